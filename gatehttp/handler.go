// Package gatehttp exposes a quotagate.Gate over HTTP with chi: token
// issuance, subscription management, and a metering middleware for
// protected routes.
package gatehttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ineyio/quotagate"
)

// Headers read by HeaderIdentity and written by the metering middleware.
const (
	HeaderSubscriber = "X-Subscriber-ID"
	HeaderRole       = "X-Subscriber-Role"
	HeaderRemaining  = "X-Quota-Remaining"
)

// IdentityFunc resolves the authenticated subscriber of a request.
type IdentityFunc func(r *http.Request) (quotagate.Identity, error)

// HeaderIdentity trusts identity headers set by an authenticating proxy in
// front of the gate. A missing role defaults to user.
func HeaderIdentity(r *http.Request) (quotagate.Identity, error) {
	id := quotagate.Identity{
		ID:   r.Header.Get(HeaderSubscriber),
		Role: quotagate.Role(r.Header.Get(HeaderRole)),
	}
	if id.ID == "" {
		return quotagate.Identity{}, ErrUnauthenticated
	}
	if id.Role == "" {
		id.Role = quotagate.RoleUser
	}
	if !id.Role.Valid() {
		return quotagate.Identity{}, fmt.Errorf("%w: unknown role %q", ErrUnauthenticated, id.Role)
	}
	return id, nil
}

// Handler serves the gate's HTTP surface.
type Handler struct {
	gate     *quotagate.Gate
	identity IdentityFunc
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdentity sets how callers of the issuance and usage routes are identified.
func WithIdentity(f IdentityFunc) Option {
	return func(h *Handler) { h.identity = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New creates a Handler for gate. Callers are identified with HeaderIdentity
// unless WithIdentity is given.
func New(gate *quotagate.Gate, opts ...Option) *Handler {
	h := &Handler{gate: gate}
	for _, opt := range opts {
		opt(h)
	}
	if h.identity == nil {
		h.identity = HeaderIdentity
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Register adds the token issuance and subscription routes to r. Creating
// and cancelling subscriptions requires the admin or manager role.
func (h *Handler) Register(r chi.Router) {
	r.Get("/token/{application}", h.handleToken)
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/", h.handleSubscriptions)
		r.Post("/", h.handleSubscribe)
		r.Get("/{application}", h.handleApplicationUsage)
		r.Delete("/{subscriber}/{application}", h.handleCancel)
	})
}

// SubscriptionRequest is the body of POST /subscriptions.
type SubscriptionRequest struct {
	Subscriber  string         `json:"subscriber"`
	Application string         `json:"application"`
	Tier        quotagate.Tier `json:"tier"`
	StartsAt    time.Time      `json:"starts_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Recurring   bool           `json:"recurring"`
	Notes       string         `json:"notes,omitempty"`
}

// TokenResponse is the body of a successful token issuance.
type TokenResponse struct {
	Token          string         `json:"token"`
	SubscriptionID string         `json:"subscription_id"`
	Application    string         `json:"application"`
	Tier           quotagate.Tier `json:"tier"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	application := chi.URLParam(r, "application")
	tier, err := quotagate.ParseTier(strings.ToUpper(r.URL.Query().Get("tier")))
	if err != nil {
		WriteError(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		ttl, err = time.ParseDuration(v)
		if err != nil || ttl < 0 {
			WriteError(w, fmt.Errorf("%w: invalid ttl %q", ErrBadRequest, v))
			return
		}
	}

	tok, err := h.gate.IssueToken(r.Context(), id, application, tier, ttl)
	if err != nil {
		h.logError(r, "issue token", err)
		WriteError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TokenResponse{
		Token:          tok.Raw,
		SubscriptionID: tok.Claims.SubscriptionID,
		Application:    tok.Claims.Application,
		Tier:           tok.Claims.Tier,
		ExpiresAt:      tok.Claims.ExpiresAt,
	})
}

func (h *Handler) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	usage, err := h.gate.Usage(r.Context(), id.ID)
	if err != nil {
		h.logError(r, "usage", err)
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (h *Handler) handleApplicationUsage(w http.ResponseWriter, r *http.Request) {
	id, err := h.identity(r)
	if err != nil {
		WriteError(w, err)
		return
	}

	application := chi.URLParam(r, "application")
	usage, err := h.gate.Usage(r.Context(), id.ID)
	if err != nil {
		h.logError(r, "usage", err)
		WriteError(w, err)
		return
	}
	out := make([]quotagate.Usage, 0, len(usage))
	for _, u := range usage {
		if u.Subscription.Application == application {
			out = append(out, u)
		}
	}
	if len(out) == 0 {
		WriteError(w, fmt.Errorf("%w: %s has no active subscription to %s",
			quotagate.ErrSubscriptionNotFound, id.ID, application))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := h.manager(w, r)
	if !ok {
		return
	}

	var req SubscriptionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteError(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	tier, err := quotagate.ParseTier(strings.ToUpper(string(req.Tier)))
	if err != nil {
		WriteError(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	sub, err := h.gate.Subscribe(r.Context(), quotagate.NewSubscription{
		Subscriber:  req.Subscriber,
		Application: req.Application,
		Tier:        tier,
		StartsAt:    req.StartsAt,
		ExpiresAt:   req.ExpiresAt,
		Recurring:   req.Recurring,
		CreatedBy:   id.ID,
		Notes:       req.Notes,
	})
	if err != nil {
		h.logError(r, "subscribe", err)
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.manager(w, r)
	if !ok {
		return
	}

	tier, err := quotagate.ParseTier(strings.ToUpper(r.URL.Query().Get("tier")))
	if err != nil {
		WriteError(w, fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	k := quotagate.Key{
		Subscriber:  chi.URLParam(r, "subscriber"),
		Application: chi.URLParam(r, "application"),
		Tier:        tier,
	}

	sub, err := h.gate.CancelActive(r.Context(), k)
	if err != nil {
		h.logError(r, "cancel", err)
		WriteError(w, err)
		return
	}
	h.logger.Info("subscription cancelled over http", "id", sub.ID, "by", id.ID)
	sub.Active = false
	writeJSON(w, http.StatusOK, sub)
}

// manager resolves the caller and writes an error unless it may manage subscriptions.
func (h *Handler) manager(w http.ResponseWriter, r *http.Request) (quotagate.Identity, bool) {
	id, err := h.identity(r)
	if err != nil {
		WriteError(w, err)
		return quotagate.Identity{}, false
	}
	if !id.Role.CanManage() {
		WriteError(w, fmt.Errorf("%w: role %s cannot manage subscriptions", quotagate.ErrPermissionDenied, id.Role))
		return quotagate.Identity{}, false
	}
	return id, true
}

type decisionKey struct{}

// DecisionFromContext returns the admission decision stored by Meter.
func DecisionFromContext(ctx context.Context) (quotagate.Decision, bool) {
	d, ok := ctx.Value(decisionKey{}).(quotagate.Decision)
	return d, ok
}

// Meter returns middleware that admits one unit of quota per request. The
// bearer token must be bound to the application named by the URL parameter
// param. Rejected requests never reach next.
func (h *Handler) Meter(param string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="quotagate"`)
				WriteError(w, fmt.Errorf("%w: missing bearer token", quotagate.ErrTokenInvalid))
				return
			}

			d, err := h.gate.Authorize(r.Context(), raw, chi.URLParam(r, param))
			if err != nil {
				if quotagate.IsRetryable(err) {
					h.logError(r, "authorize", err)
				}
				WriteError(w, err)
				return
			}

			w.Header().Set(HeaderRemaining, strconv.FormatInt(d.Remaining, 10))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey{}, d)))
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	v := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(tok) == "" {
		return "", false
	}
	return strings.TrimSpace(tok), true
}

func (h *Handler) logError(r *http.Request, op string, err error) {
	level := slog.LevelInfo
	if StatusFor(err) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, op+" failed",
		"method", r.Method,
		"path", r.URL.Path,
		"status", StatusFor(err),
		"error", err,
	)
}
