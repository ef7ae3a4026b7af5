package quotagate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrTokenInvalid         = errors.New("quotagate: token invalid")
	ErrTokenExpired         = errors.New("quotagate: token expired")
	ErrPermissionDenied     = errors.New("quotagate: permission denied")
	ErrSubscriptionNotFound = errors.New("quotagate: no active subscription")
	ErrSubscriptionExpired  = errors.New("quotagate: subscription expired")
	ErrQuotaExhausted       = errors.New("quotagate: quota exhausted")
	ErrLedgerUnavailable    = errors.New("quotagate: ledger unavailable")
	ErrCacheUnavailable     = errors.New("quotagate: cache unavailable")
	ErrIssuance             = errors.New("quotagate: token issuance failed")
	ErrDuplicateActive      = errors.New("quotagate: active subscription already exists")
	ErrPricingNotFound      = errors.New("quotagate: pricing not found")
	ErrConflict             = errors.New("quotagate: stale balance write")
	ErrInvalidKey           = errors.New("quotagate: invalid quota key")
	ErrInvalidSubscription  = errors.New("quotagate: invalid subscription")
)

// GateError wraps an error with the quota key it was raised for.
type GateError struct {
	Err         error
	Subscriber  string
	Application string
	Tier        Tier
	Key         string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("quotagate: subscriber=%s application=%s tier=%s: %v",
		e.Subscriber, e.Application, e.Tier, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}

func wrapKey(k Key, err error) error {
	if err == nil {
		return nil
	}
	return &GateError{
		Err:         err,
		Subscriber:  k.Subscriber,
		Application: k.Application,
		Tier:        k.Tier,
		Key:         k.String(),
	}
}

// IsFinal returns true if the error is a local, final decision that must not be retried.
func IsFinal(err error) bool {
	return errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrSubscriptionExpired) ||
		errors.Is(err, ErrQuotaExhausted)
}

// IsRetryable returns true if the error comes from an unavailable backing store.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLedgerUnavailable) ||
		errors.Is(err, ErrCacheUnavailable)
}
