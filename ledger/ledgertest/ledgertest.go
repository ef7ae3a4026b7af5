// Package ledgertest is a conformance suite for quotagate.Ledger implementations.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotagate"
)

// Clock is a settable time source shared with the ledger under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory creates an empty ledger that reads time from clock.
type Factory func(t *testing.T, clock *Clock) quotagate.Ledger

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run runs the conformance suite.
func Run(t *testing.T, newLedger Factory) {
	t.Run("Pricing", func(t *testing.T) { testPricing(t, newLedger) })
	t.Run("CreateSnapshotsCredit", func(t *testing.T) { testCreateSnapshotsCredit(t, newLedger) })
	t.Run("DuplicateActive", func(t *testing.T) { testDuplicateActive(t, newLedger) })
	t.Run("Expiry", func(t *testing.T) { testExpiry(t, newLedger) })
	t.Run("PersistBalance", func(t *testing.T) { testPersistBalance(t, newLedger) })
	t.Run("ConcurrentPersist", func(t *testing.T) { testConcurrentPersist(t, newLedger) })
	t.Run("Subscriptions", func(t *testing.T) { testSubscriptions(t, newLedger) })
}

func seed(t *testing.T, l quotagate.Ledger, credit int64) {
	t.Helper()
	ctx := context.Background()
	for _, tier := range []quotagate.Tier{quotagate.TierTrial, quotagate.TierStandard} {
		require.NoError(t, l.SetPricing(ctx, quotagate.Pricing{
			Application: "translate", Tier: tier, Credit: credit, Price: 9.5,
		}))
	}
}

func newSub(subscriber string, tier quotagate.Tier, startsAt time.Time, expiresAt *time.Time) quotagate.NewSubscription {
	return quotagate.NewSubscription{
		Subscriber:  subscriber,
		Application: "translate",
		Tier:        tier,
		StartsAt:    startsAt,
		ExpiresAt:   expiresAt,
		CreatedBy:   "admin",
		Notes:       "conformance",
	}
}

func testPricing(t *testing.T, newLedger Factory) {
	l := newLedger(t, NewClock(start))
	ctx := context.Background()

	_, err := l.Pricing(ctx, "translate", quotagate.TierTrial)
	assert.True(t, errors.Is(err, quotagate.ErrPricingNotFound))

	seed(t, l, 100)
	p, err := l.Pricing(ctx, "translate", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Credit)
	assert.InDelta(t, 9.5, p.Price, 1e-9)

	require.NoError(t, l.SetPricing(ctx, quotagate.Pricing{Application: "translate", Tier: quotagate.TierTrial, Credit: 7}))
	p, err = l.Pricing(ctx, "translate", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Credit)

	_, err = l.CreateSubscription(ctx, newSub("u1", quotagate.TierPremium, start, nil))
	assert.True(t, errors.Is(err, quotagate.ErrPricingNotFound))
}

func testCreateSnapshotsCredit(t *testing.T, newLedger Factory) {
	l := newLedger(t, NewClock(start))
	ctx := context.Background()
	seed(t, l, 100)

	sub, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, int64(100), sub.Credit)
	assert.Equal(t, int64(0), sub.Balance)
	assert.True(t, sub.Active)
	assert.Equal(t, "admin", sub.CreatedBy)

	require.NoError(t, l.SetPricing(ctx, quotagate.Pricing{Application: "translate", Tier: quotagate.TierTrial, Credit: 5}))

	got, err := l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, int64(100), got.Credit, "credit is a snapshot")
}

func testDuplicateActive(t *testing.T, newLedger Factory) {
	l := newLedger(t, NewClock(start))
	ctx := context.Background()
	seed(t, l, 100)

	first, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	require.NoError(t, err)

	_, err = l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	assert.True(t, errors.Is(err, quotagate.ErrDuplicateActive))

	// Another tier is another key.
	_, err = l.CreateSubscription(ctx, newSub("u1", quotagate.TierStandard, start, nil))
	require.NoError(t, err)

	require.NoError(t, l.Deactivate(ctx, first.ID))
	_, err = l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	assert.True(t, errors.Is(err, quotagate.ErrSubscriptionNotFound))

	second, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func testExpiry(t *testing.T, newLedger Factory) {
	clock := NewClock(start)
	l := newLedger(t, clock)
	ctx := context.Background()
	seed(t, l, 100)

	exp := start.Add(time.Hour)
	sub, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, &exp))
	require.NoError(t, err)
	require.NotNil(t, sub.ExpiresAt)
	assert.True(t, sub.ExpiresAt.Equal(exp))

	_, err = l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	_, err = l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	assert.True(t, errors.Is(err, quotagate.ErrSubscriptionNotFound), "expired at expires_at")

	// A lapsed subscription frees the slot for a renewal.
	renewal, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, clock.Now(), nil))
	require.NoError(t, err)
	got, err := l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, renewal.ID, got.ID)
}

func testPersistBalance(t *testing.T, newLedger Factory) {
	l := newLedger(t, NewClock(start))
	ctx := context.Background()
	seed(t, l, 100)

	sub, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	require.NoError(t, err)

	got, err := l.PersistBalance(ctx, sub.ID, 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got)

	got, err = l.PersistBalance(ctx, sub.ID, 40)
	require.NoError(t, err, "same balance is idempotent")
	assert.Equal(t, int64(40), got)

	got, err = l.PersistBalance(ctx, sub.ID, 10)
	assert.True(t, errors.Is(err, quotagate.ErrConflict))
	assert.Equal(t, int64(40), got, "stored value returned on conflict")

	got, err = l.PersistBalance(ctx, sub.ID, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got, "bounded by credit")

	s, err := l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, int64(100), s.Balance)
	assert.Equal(t, int64(0), s.Remaining())

	_, err = l.PersistBalance(ctx, "00000000-0000-0000-0000-000000000000", 1)
	assert.True(t, errors.Is(err, quotagate.ErrSubscriptionNotFound))
}

func testConcurrentPersist(t *testing.T, newLedger Factory) {
	l := newLedger(t, NewClock(start))
	ctx := context.Background()
	seed(t, l, 1000)

	sub, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.PersistBalance(ctx, sub.ID, int64(i*10))
			if err != nil && !errors.Is(err, quotagate.ErrConflict) {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	s, err := l.ActiveSubscription(ctx, "u1", "translate", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, int64(190), s.Balance, "highest proposal wins regardless of order")
}

func testSubscriptions(t *testing.T, newLedger Factory) {
	clock := NewClock(start)
	l := newLedger(t, clock)
	ctx := context.Background()
	seed(t, l, 100)

	a, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierTrial, start, nil))
	require.NoError(t, err)
	clock.Advance(time.Second)
	b, err := l.CreateSubscription(ctx, newSub("u1", quotagate.TierStandard, start, nil))
	require.NoError(t, err)
	_, err = l.CreateSubscription(ctx, newSub("u2", quotagate.TierTrial, start, nil))
	require.NoError(t, err)
	require.NoError(t, l.Deactivate(ctx, a.ID))

	active, err := l.Subscriptions(ctx, "u1", true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	all, err := l.Subscriptions(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")
	assert.False(t, all[1].Active)

	none, err := l.Subscriptions(ctx, "nobody", true)
	require.NoError(t, err)
	assert.Empty(t, none)
}
