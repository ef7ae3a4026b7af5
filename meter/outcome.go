// Package meter provides quotagate.Meter implementations.
package meter

import (
	"errors"

	"github.com/ineyio/quotagate"
)

// Decision outcomes used as log fields and metric labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeExhausted = "exhausted"
	OutcomeDenied    = "denied"
	OutcomeNoAccess  = "no_subscription"
	OutcomeError     = "error"
)

// Outcome classifies a decision event.
func Outcome(e quotagate.DecisionEvent) string {
	switch {
	case e.Accepted:
		return OutcomeAccepted
	case errors.Is(e.Error, quotagate.ErrQuotaExhausted):
		return OutcomeExhausted
	case errors.Is(e.Error, quotagate.ErrSubscriptionNotFound),
		errors.Is(e.Error, quotagate.ErrSubscriptionExpired):
		return OutcomeNoAccess
	case errors.Is(e.Error, quotagate.ErrTokenInvalid),
		errors.Is(e.Error, quotagate.ErrTokenExpired),
		errors.Is(e.Error, quotagate.ErrPermissionDenied):
		return OutcomeDenied
	default:
		return OutcomeError
	}
}
