package gatehttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ineyio/quotagate"
)

// Error codes written in the "error" field of error responses.
const (
	CodeQuotaExhausted       = "quota_exhausted"
	CodePermissionDenied     = "permission_denied"
	CodeTokenInvalid         = "token_invalid"
	CodeTokenExpired         = "token_expired"
	CodeSubscriptionNotFound = "subscription_not_found"
	CodeSubscriptionExpired  = "subscription_expired"
	CodeUnavailable          = "unavailable"
	CodeDuplicateActive      = "duplicate_active"
	CodePricingNotFound      = "pricing_not_found"
	CodeBadRequest           = "bad_request"
	CodeUnauthenticated      = "unauthenticated"
	CodeInternal             = "internal"
)

// ErrBadRequest marks malformed request parameters.
var ErrBadRequest = errors.New("gatehttp: bad request")

// ErrUnauthenticated is returned by an IdentityFunc that cannot resolve a caller.
var ErrUnauthenticated = errors.New("gatehttp: unauthenticated")

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

var statusTable = []struct {
	err    error
	status int
	code   string
}{
	{quotagate.ErrQuotaExhausted, http.StatusTooManyRequests, CodeQuotaExhausted},
	{quotagate.ErrPermissionDenied, http.StatusForbidden, CodePermissionDenied},
	{quotagate.ErrTokenExpired, http.StatusUnauthorized, CodeTokenExpired},
	{quotagate.ErrTokenInvalid, http.StatusUnauthorized, CodeTokenInvalid},
	{quotagate.ErrSubscriptionNotFound, http.StatusUnauthorized, CodeSubscriptionNotFound},
	{quotagate.ErrSubscriptionExpired, http.StatusUnauthorized, CodeSubscriptionExpired},
	{quotagate.ErrLedgerUnavailable, http.StatusServiceUnavailable, CodeUnavailable},
	{quotagate.ErrCacheUnavailable, http.StatusServiceUnavailable, CodeUnavailable},
	{quotagate.ErrDuplicateActive, http.StatusConflict, CodeDuplicateActive},
	{quotagate.ErrPricingNotFound, http.StatusNotFound, CodePricingNotFound},
	{quotagate.ErrInvalidSubscription, http.StatusBadRequest, CodeBadRequest},
	{ErrBadRequest, http.StatusBadRequest, CodeBadRequest},
	{ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthenticated},
}

// StatusFor maps a gate error to its HTTP status. A nil error is 200.
// Quota exhaustion is 429 without Retry-After: credit does not come back by waiting.
func StatusFor(err error) int {
	status, _ := classify(err)
	return status
}

// CodeFor maps a gate error to its error code.
func CodeFor(err error) string {
	_, code := classify(err)
	return code
}

func classify(err error) (int, string) {
	if err == nil {
		return http.StatusOK, ""
	}
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

// WriteError writes the mapped status and error body for err.
// Details of internal errors are not exposed.
func WriteError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	resp := ErrorResponse{Error: code}
	if status != http.StatusInternalServerError {
		resp.Detail = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
