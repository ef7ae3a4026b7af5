package quotagate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
)

func TestKey_String(t *testing.T) {
	k := qg.Key{Subscriber: "alice", Application: "translate", Tier: qg.TierTrial}
	assert.Equal(t, "balance:alice:translate:TRIAL", k.String())
}

func TestKey_ParseRoundTrip(t *testing.T) {
	keys := []qg.Key{
		{Subscriber: "alice", Application: "translate", Tier: qg.TierTrial},
		{Subscriber: "urn:user:42", Application: "ocr:v2", Tier: qg.TierPremium},
		{Subscriber: "a b%c", Application: "x/y", Tier: qg.TierStandard},
	}
	for _, k := range keys {
		got, err := qg.ParseKey(k.String())
		require.NoError(t, err, k.String())
		assert.Equal(t, k, got)
	}
}

func TestKey_ParseInvalid(t *testing.T) {
	for _, s := range []string{
		"",
		"balance:keys",
		"balance:alice:translate",
		"quota:alice:translate:TRIAL",
		"balance::translate:TRIAL",
		"balance:alice:translate:GOLD",
		"balance:alice:translate:TRIAL:extra",
		"balance:%zz:translate:TRIAL",
	} {
		_, err := qg.ParseKey(s)
		assert.ErrorIs(t, err, qg.ErrInvalidKey, s)
	}
}

func TestErrorHelpers(t *testing.T) {
	final := []error{
		qg.ErrTokenInvalid, qg.ErrTokenExpired, qg.ErrPermissionDenied,
		qg.ErrSubscriptionNotFound, qg.ErrSubscriptionExpired, qg.ErrQuotaExhausted,
	}
	for _, err := range final {
		assert.True(t, qg.IsFinal(err), err.Error())
		assert.False(t, qg.IsRetryable(err), err.Error())
	}

	for _, err := range []error{qg.ErrLedgerUnavailable, qg.ErrCacheUnavailable} {
		assert.True(t, qg.IsRetryable(err), err.Error())
		assert.False(t, qg.IsFinal(err), err.Error())
	}

	wrapped := &qg.GateError{Err: qg.ErrQuotaExhausted, Subscriber: "alice", Application: "translate", Tier: qg.TierTrial}
	assert.True(t, qg.IsFinal(wrapped))
	assert.Contains(t, wrapped.Error(), "subscriber=alice")
	assert.Contains(t, wrapped.Error(), "quota exhausted")
}
