// Package quotagate meters usage of paid API applications.
//
// Every metered request carries a signed capability token and consumes one
// unit of a subscription's credit. The hot path is a single atomic decrement
// against a shared QuotaCache; the durable Ledger is consulted only when the
// counter is cold or exhausted, and the Reconciler folds counters back into
// the ledger so a cache restart can never hand out free credit.
package quotagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSeedAttempts bounds how often Admit retries after losing a seed race.
const DefaultSeedAttempts = 3

// Gate is the per-request quota entry point. It is safe for concurrent use;
// the only serialization point is the cache's atomic decrement.
type Gate struct {
	cache      QuotaCache
	ledger     Ledger
	reconciler *Reconciler
	signer     TokenIssuer
	verifier   TokenVerifier
	meter      Meter
	logger     *slog.Logger
	health     *HealthTracker

	defaultValidity time.Duration
	seedAttempts    int
	now             func() time.Time
}

// Decision is an accepted admission.
type Decision struct {
	Key    Key
	Claims Claims
	// Remaining is the counter value after this request.
	Remaining int64
}

// Option configures a Gate.
type Option func(*Gate)

// WithSigner sets the token issuer used by IssueToken.
func WithSigner(s TokenIssuer) Option {
	return func(g *Gate) { g.signer = s }
}

// WithVerifier sets the token verifier used by Authorize.
func WithVerifier(v TokenVerifier) Option {
	return func(g *Gate) { g.verifier = v }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gate) { g.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithDefaultValidity sets the validity window of subscriptions created without an expiry.
// Zero means such subscriptions never expire.
func WithDefaultValidity(d time.Duration) Option {
	return func(g *Gate) { g.defaultValidity = d }
}

// WithSeedAttempts sets how many decrements Admit tries when concurrent
// cold callers race to seed the same key.
func WithSeedAttempts(n int) Option {
	return func(g *Gate) { g.seedAttempts = n }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate over the given cache and ledger.
func NewGate(cache QuotaCache, ledger Ledger, opts ...Option) (*Gate, error) {
	if cache == nil {
		return nil, fmt.Errorf("quotagate: a quota cache is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("quotagate: a ledger is required")
	}

	g := &Gate{
		cache:  cache,
		ledger: ledger,
		health: NewHealthTracker(),
	}
	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.meter == nil {
		g.meter = &noopMeter{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.seedAttempts <= 0 {
		g.seedAttempts = DefaultSeedAttempts
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.reconciler = NewReconciler(cache, ledger, g.meter, g.logger)
	return g, nil
}

// Reconciler returns the reconciler shared with the gate.
func (g *Gate) Reconciler() *Reconciler {
	return g.reconciler
}

// Health returns the tracker fed by the outcome of admissions.
func (g *Gate) Health() *HealthTracker {
	return g.health
}

// Authorize verifies a raw capability token, binds it to application and admits one unit.
func (g *Gate) Authorize(ctx context.Context, raw, application string) (Decision, error) {
	if g.verifier == nil {
		return Decision{}, fmt.Errorf("%w: no verifier configured", ErrTokenInvalid)
	}
	claims, err := g.verifier.Verify(raw)
	if err == nil {
		_, err = VerifyApplication(claims, application)
	}
	if err != nil {
		// Labels come from verified claims only; the requested application
		// is caller input.
		g.meter.OnDecision(DecisionEvent{
			Subscriber:  claims.Subscriber,
			Application: claims.Application,
			Tier:        claims.Tier,
			Path:        PathToken,
			Error:       err,
		})
		return Decision{}, err
	}

	d, err := g.Admit(ctx, claims)
	if err != nil {
		return Decision{}, err
	}
	d.Claims = claims
	return d, nil
}

// Admit consumes one unit for verified claims. It returns ErrQuotaExhausted
// when the subscription has no credit left and ErrSubscriptionNotFound when
// the claims name a subscription that is no longer the active one of their
// key. A unit consumed by the decrement is never refunded, even if ctx is
// cancelled before Admit returns.
func (g *Gate) Admit(ctx context.Context, c Claims) (Decision, error) {
	start := time.Now()
	k := c.Key()

	d, path, err := g.admit(ctx, c)
	if path == PathCold {
		g.health.record(err, BackendCache, BackendLedger)
	} else {
		g.health.record(err, BackendCache)
	}
	g.meter.OnDecision(DecisionEvent{
		Subscriber:  k.Subscriber,
		Application: k.Application,
		Tier:        k.Tier,
		Path:        path,
		Accepted:    err == nil,
		Remaining:   d.Remaining,
		Duration:    time.Since(start),
		Error:       err,
	})
	if err != nil {
		return Decision{}, wrapKey(k, err)
	}
	d.Claims = c
	return d, nil
}

func (g *Gate) admit(ctx context.Context, c Claims) (Decision, Path, error) {
	k := c.Key()
	key := k.String()
	for range g.seedAttempts {
		counter, err := g.cache.Decrement(ctx, key, c.SubscriptionID)
		if err != nil {
			return Decision{}, PathWarm, err
		}
		if counter.Present && counter.OwnedBy(c.SubscriptionID) {
			d, err := g.warm(ctx, k, counter.Value)
			return d, PathWarm, err
		}

		// The counter is missing or was seeded by another subscription of the key.
		d, done, err := g.cold(ctx, k, c.SubscriptionID, counter)
		if err != nil || done {
			return d, PathCold, err
		}
		// Another cold caller seeded the key first, or a stale counter was
		// released; decrement again.
	}
	return Decision{}, PathCold, fmt.Errorf("%w: seed of %s contended %d times",
		ErrCacheUnavailable, key, g.seedAttempts)
}

// warm handles a decrement of a live counter.
func (g *Gate) warm(ctx context.Context, k Key, value int64) (Decision, error) {
	if value <= 0 {
		// Persist right away instead of waiting for a sweep. A failure here
		// never changes the decision; the key stays tracked for retry.
		if _, err := g.reconciler.Reconcile(ctx, k); err != nil {
			g.logger.Warn("reconcile on exhaustion failed",
				"key", k.String(), "counter", value, "error", err)
		}
	}
	if value < 0 {
		return Decision{}, ErrQuotaExhausted
	}
	return Decision{Key: k, Remaining: value}, nil
}

// cold handles a counter that cannot be charged to subscriptionID by
// seeding it from the ledger. done is false when Admit should decrement again.
func (g *Gate) cold(ctx context.Context, k Key, subscriptionID string, foreign Counter) (d Decision, done bool, err error) {
	sub, err := g.ledger.ActiveSubscription(ctx, k.Subscriber, k.Application, k.Tier)
	if err != nil {
		return Decision{}, true, err
	}
	if sub.ID != subscriptionID {
		// The token outlived its subscription; a renewal does not inherit it.
		return Decision{}, true, fmt.Errorf("%w: subscription %s is no longer active",
			ErrSubscriptionNotFound, subscriptionID)
	}
	if foreign.Present {
		// Left behind by an earlier subscription of the same key.
		if _, err := g.reconciler.release(ctx, k.String(), foreign); err != nil {
			return Decision{}, true, err
		}
		return Decision{}, false, nil
	}

	// One unit goes to the request being authorized.
	remaining := sub.Credit - sub.Balance - 1
	if remaining < 0 {
		if _, err := g.reconciler.reconcile(ctx, k, &sub); err != nil {
			g.logger.Warn("reconcile of exhausted subscription failed",
				"key", k.String(), "error", err)
		}
		return Decision{}, true, ErrQuotaExhausted
	}

	key := k.String()
	ok, err := g.cache.Seed(ctx, key, remaining, Fence{SubscriptionID: sub.ID, Balance: sub.Balance})
	if err != nil {
		return Decision{}, true, err
	}
	if !ok {
		// Another cold caller seeded first, or the key was released after
		// our ledger read. Either way the next decrement decides.
		return Decision{}, false, nil
	}
	if err := g.cache.Track(ctx, key); err != nil {
		return Decision{}, true, err
	}

	if remaining == 0 {
		// The last unit: fold it into the ledger now so no zero counter is left behind.
		if _, err := g.reconciler.reconcile(ctx, k, &sub); err != nil {
			g.logger.Warn("reconcile of last unit failed", "key", key, "error", err)
		}
	}
	return Decision{Key: k, Remaining: remaining}, true, nil
}

// IssueToken mints a capability token for the identity's active subscription
// to application under tier. ttl of zero selects the signer's default; the
// token never outlives the subscription.
func (g *Gate) IssueToken(ctx context.Context, id Identity, application string, tier Tier, ttl time.Duration) (Token, error) {
	k := Key{Subscriber: id.ID, Application: application, Tier: tier}
	if g.signer == nil {
		return Token{}, wrapKey(k, fmt.Errorf("%w: no signer configured", ErrIssuance))
	}

	sub, err := g.ledger.ActiveSubscription(ctx, id.ID, application, tier)
	if err != nil {
		return Token{}, wrapKey(k, err)
	}
	if sub.Remaining() <= 0 {
		return Token{}, wrapKey(k, ErrQuotaExhausted)
	}

	tok, err := g.signer.Issue(Grant{Identity: id, Subscription: sub, TTL: ttl})
	if err != nil {
		return Token{}, wrapKey(k, err)
	}
	return tok, nil
}

// Subscribe creates a subscription, applying the default validity window when
// no expiry is given.
func (g *Gate) Subscribe(ctx context.Context, n NewSubscription) (Subscription, error) {
	if n.StartsAt.IsZero() {
		n.StartsAt = g.now().UTC()
	}
	if n.ExpiresAt == nil && g.defaultValidity > 0 {
		exp := n.StartsAt.Add(g.defaultValidity)
		n.ExpiresAt = &exp
	}
	if err := n.Validate(); err != nil {
		return Subscription{}, err
	}

	k := Key{Subscriber: n.Subscriber, Application: n.Application, Tier: n.Tier}
	_, err := g.ledger.ActiveSubscription(ctx, n.Subscriber, n.Application, n.Tier)
	switch {
	case err == nil:
		return Subscription{}, wrapKey(k, ErrDuplicateActive)
	case !errors.Is(err, ErrSubscriptionNotFound):
		return Subscription{}, wrapKey(k, err)
	}

	// A counter left over from a lapsed subscription of the same triple
	// must not be charged to the new one.
	if err := g.reconciler.drop(ctx, k.String()); err != nil {
		return Subscription{}, wrapKey(k, err)
	}
	sub, err := g.ledger.CreateSubscription(ctx, n)
	if err != nil {
		return Subscription{}, wrapKey(k, err)
	}
	g.logger.Info("subscription created",
		"id", sub.ID, "key", k.String(), "credit", sub.Credit)
	return sub, nil
}

// Usage lists the active subscriptions of subscriber with their live remaining credit.
func (g *Gate) Usage(ctx context.Context, subscriber string) ([]Usage, error) {
	subs, err := g.ledger.Subscriptions(ctx, subscriber, true)
	if err != nil {
		return nil, err
	}

	out := make([]Usage, 0, len(subs))
	for _, s := range subs {
		counter, err := g.cache.Get(ctx, s.Key().String())
		if err != nil {
			return nil, wrapKey(s.Key(), err)
		}
		u := Usage{Subscription: s, Remaining: s.Remaining()}
		if counter.Present {
			consumed := max(0, min(s.Credit-counter.Value, s.Credit))
			u.Outstanding = max(0, consumed-s.Balance)
			u.Remaining = max(0, counter.Value)
		}
		out = append(out, u)
	}
	return out, nil
}

// Cancel folds outstanding consumption into the ledger, deactivates the
// subscription and drops its counter. Tokens issued for it are rejected from
// then on.
func (g *Gate) Cancel(ctx context.Context, sub Subscription) error {
	k := sub.Key()
	if _, err := g.reconciler.reconcile(ctx, k, &sub); err != nil {
		return err
	}
	if err := g.ledger.Deactivate(ctx, sub.ID); err != nil {
		return wrapKey(k, err)
	}
	if err := g.reconciler.drop(ctx, k.String()); err != nil {
		return wrapKey(k, err)
	}
	g.logger.Info("subscription cancelled", "id", sub.ID, "key", k.String())
	return nil
}

// CancelActive cancels the active subscription of k and returns it as it
// was before cancellation.
func (g *Gate) CancelActive(ctx context.Context, k Key) (Subscription, error) {
	sub, err := g.ledger.ActiveSubscription(ctx, k.Subscriber, k.Application, k.Tier)
	if err != nil {
		return Subscription{}, wrapKey(k, err)
	}
	if err := g.Cancel(ctx, sub); err != nil {
		return Subscription{}, err
	}
	return sub, nil
}
