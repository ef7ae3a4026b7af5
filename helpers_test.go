package quotagate_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qg "github.com/ineyio/quotagate"
	"github.com/ineyio/quotagate/cache"
	"github.com/ineyio/quotagate/ledger"
)

const app = "translate"

// testClock is a settable clock shared by the gate and the ledger.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyLedger fails selected operations with ErrLedgerUnavailable while the
// matching flag is set.
type flakyLedger struct {
	qg.Ledger
	failReads   atomic.Bool
	failPersist atomic.Bool
	persists    atomic.Int64

	// beforeRead and onRead run once, before and after the ledger read of
	// the first ActiveSubscription call after they are set.
	beforeRead atomic.Pointer[func()]
	onRead     atomic.Pointer[func()]
}

func (l *flakyLedger) ActiveSubscription(ctx context.Context, subscriber, application string, tier qg.Tier) (qg.Subscription, error) {
	if l.failReads.Load() {
		return qg.Subscription{}, qg.ErrLedgerUnavailable
	}
	if hook := l.beforeRead.Swap(nil); hook != nil {
		(*hook)()
	}
	sub, err := l.Ledger.ActiveSubscription(ctx, subscriber, application, tier)
	if hook := l.onRead.Swap(nil); hook != nil {
		(*hook)()
	}
	return sub, err
}

func (l *flakyLedger) PersistBalance(ctx context.Context, id string, balance int64) (int64, error) {
	l.persists.Add(1)
	if l.failPersist.Load() {
		return 0, qg.ErrLedgerUnavailable
	}
	return l.Ledger.PersistBalance(ctx, id, balance)
}

type env struct {
	t      *testing.T
	clock  *testClock
	cache  *cache.Memory
	ledger *flakyLedger
	gate   *qg.Gate
}

func newEnv(t *testing.T, credit int64, opts ...qg.Option) *env {
	t.Helper()
	clock := newTestClock()
	led := &flakyLedger{Ledger: ledger.NewMemory(ledger.WithClock(clock.Now))}
	for _, tier := range []qg.Tier{qg.TierTrial, qg.TierPremium} {
		require.NoError(t, led.SetPricing(context.Background(), qg.Pricing{Application: app, Tier: tier, Credit: credit}))
	}
	c := cache.NewMemory()

	opts = append([]qg.Option{qg.WithClock(clock.Now)}, opts...)
	gate, err := qg.NewGate(c, led, opts...)
	require.NoError(t, err)
	return &env{t: t, clock: clock, cache: c, ledger: led, gate: gate}
}

func (e *env) subscribe(subscriber string, tier qg.Tier) qg.Subscription {
	e.t.Helper()
	sub, err := e.gate.Subscribe(context.Background(), qg.NewSubscription{
		Subscriber: subscriber, Application: app, Tier: tier,
	})
	require.NoError(e.t, err)
	return sub
}

func (e *env) balance(sub qg.Subscription) int64 {
	e.t.Helper()
	subs, err := e.ledger.Subscriptions(context.Background(), sub.Subscriber, false)
	require.NoError(e.t, err)
	for _, s := range subs {
		if s.ID == sub.ID {
			return s.Balance
		}
	}
	e.t.Fatalf("subscription %s not found", sub.ID)
	return 0
}

func (e *env) tracked() []string {
	e.t.Helper()
	keys, err := e.cache.Tracked(context.Background())
	require.NoError(e.t, err)
	return keys
}

func claimsFor(sub qg.Subscription) qg.Claims {
	return qg.Claims{
		ID:             "jti",
		Subscriber:     sub.Subscriber,
		Role:           qg.RoleUser,
		SubscriptionID: sub.ID,
		Application:    sub.Application,
		Tier:           sub.Tier,
	}
}
