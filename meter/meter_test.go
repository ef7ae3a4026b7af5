package meter

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotagate"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		event quotagate.DecisionEvent
		want  string
	}{
		{quotagate.DecisionEvent{Accepted: true}, OutcomeAccepted},
		{quotagate.DecisionEvent{Error: fmt.Errorf("wrapped: %w", quotagate.ErrQuotaExhausted)}, OutcomeExhausted},
		{quotagate.DecisionEvent{Error: quotagate.ErrSubscriptionNotFound}, OutcomeNoAccess},
		{quotagate.DecisionEvent{Error: quotagate.ErrTokenExpired}, OutcomeDenied},
		{quotagate.DecisionEvent{Error: quotagate.ErrPermissionDenied}, OutcomeDenied},
		{quotagate.DecisionEvent{Error: quotagate.ErrLedgerUnavailable}, OutcomeError},
		{quotagate.DecisionEvent{Error: errors.New("boom")}, OutcomeError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Outcome(tt.event), "%v", tt.event.Error)
	}
}

func TestPromMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewPromMeter(reg)
	require.NoError(t, err)

	m.OnDecision(quotagate.DecisionEvent{Application: "translate", Tier: quotagate.TierTrial, Path: quotagate.PathWarm, Accepted: true, Duration: time.Millisecond})
	m.OnDecision(quotagate.DecisionEvent{Application: "translate", Tier: quotagate.TierTrial, Path: quotagate.PathWarm, Accepted: true})
	m.OnDecision(quotagate.DecisionEvent{Application: "translate", Tier: quotagate.TierTrial, Path: quotagate.PathCold, Error: quotagate.ErrQuotaExhausted})
	m.OnDecision(quotagate.DecisionEvent{Application: "translate", Path: quotagate.PathToken, Error: quotagate.ErrTokenInvalid})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisions.WithLabelValues("translate", "TRIAL", OutcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("translate", "TRIAL", OutcomeExhausted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("translate", "", OutcomeDenied)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.decisionLatency), "token rejections carry no latency")

	m.OnReconcile(quotagate.ReconcileEvent{Counter: quotagate.Value(0), Balance: 100, Released: true})
	m.OnReconcile(quotagate.ReconcileEvent{Counter: quotagate.Value(40), Balance: 60})
	m.OnReconcile(quotagate.ReconcileEvent{Counter: quotagate.Absent, Balance: 60})
	m.OnReconcile(quotagate.ReconcileEvent{Error: quotagate.ErrLedgerUnavailable})

	for result, want := range map[string]float64{"released": 1, "persisted": 1, "noop": 1, "error": 1} {
		assert.Equal(t, want, testutil.ToFloat64(m.reconciles.WithLabelValues(result)), result)
	}

	_, err = NewPromMeter(reg)
	assert.Error(t, err, "duplicate registration")
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMeter(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	m.OnDecision(quotagate.DecisionEvent{Subscriber: "alice", Application: "translate", Accepted: true, Remaining: 7})
	m.OnDecision(quotagate.DecisionEvent{Subscriber: "alice", Application: "translate", Error: quotagate.ErrQuotaExhausted})
	m.OnReconcile(quotagate.ReconcileEvent{Key: "balance:alice:translate:TRIAL", Counter: quotagate.Value(0), Balance: 100, Released: true})

	out := buf.String()
	assert.Contains(t, out, "msg=decision ")
	assert.Contains(t, out, "remaining=7")
	assert.Contains(t, out, "msg=decision_rejected")
	assert.Contains(t, out, "outcome=exhausted")
	assert.Contains(t, out, "balance=100")
	assert.Contains(t, out, "released=true")
}

func TestMulti(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm, err := NewPromMeter(reg)
	require.NoError(t, err)

	var m quotagate.Meter = Multi{&NoopMeter{}, pm}
	m.OnDecision(quotagate.DecisionEvent{Application: "a", Tier: quotagate.TierPremium, Accepted: true})
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.decisions.WithLabelValues("a", "PREMIUM", OutcomeAccepted)))
}
