package redis_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotagate"
	quotaredis "github.com/ineyio/quotagate/cache/redis"
	"github.com/ineyio/quotagate/ledger"
)

func newTestStore(t *testing.T, opts ...quotaredis.Option) (*quotaredis.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return quotaredis.New(client, opts...), mr
}

func TestDecrementAbsent(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	c, err := store.Decrement(ctx, "balance:u1:app:TRIAL", "s1")
	require.NoError(t, err)
	assert.False(t, c.Present)
	assert.False(t, mr.Exists("quotagate:{balance:u1:app:TRIAL}"), "decrement must not create the key")
}

func TestSeedDecrementGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	key := "balance:u1:app:TRIAL"

	ok, err := store.Seed(ctx, key, 2, quotagate.Fence{SubscriptionID: "s1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Seed(ctx, key, 99, quotagate.Fence{SubscriptionID: "s1"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := mr.Get("quotagate:{" + key + "}")
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	for _, want := range []int64{1, 0, -1} {
		c, err := store.Decrement(ctx, key, "s1")
		require.NoError(t, err)
		assert.Equal(t, quotagate.Owned(want, "s1"), c)
	}

	c, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, quotagate.Owned(-1, "s1"), c)

	c, err = store.Get(ctx, "balance:other:app:TRIAL")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Absent, c)
}

func TestClearAndFence(t *testing.T) {
	store, mr := newTestStore(t, quotaredis.WithFenceTTL(time.Hour))
	ctx := context.Background()
	key := "balance:u1:app:TRIAL"

	_, err := store.Seed(ctx, key, 0, quotagate.Fence{SubscriptionID: "s1"})
	require.NoError(t, err)

	ok, err := store.Clear(ctx, key, quotagate.Owned(5, "s1"), quotagate.Fence{SubscriptionID: "s1", Balance: 100})
	require.NoError(t, err)
	assert.False(t, ok, "value mismatch")

	ok, err = store.Clear(ctx, key, quotagate.Owned(0, "s2"), quotagate.Fence{SubscriptionID: "s1", Balance: 100})
	require.NoError(t, err)
	assert.False(t, ok, "owner mismatch")

	ok, err = store.Clear(ctx, key, quotagate.Owned(0, "s1"), quotagate.Fence{SubscriptionID: "s1", Balance: 100})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("quotagate:{"+key+"}"))
	assert.False(t, mr.Exists("quotagate:{"+key+"}:owner"))
	assert.Equal(t, "100", mr.HGet("quotagate:{"+key+"}:released", "s1"))
	assert.Equal(t, time.Hour, mr.TTL("quotagate:{"+key+"}:released"))

	ok, err = store.Seed(ctx, key, 99, quotagate.Fence{SubscriptionID: "s1", Balance: 0})
	require.NoError(t, err)
	assert.False(t, ok, "stale fence")

	ok, err = store.Seed(ctx, key, 0, quotagate.Fence{SubscriptionID: "s1", Balance: 100})
	require.NoError(t, err)
	assert.True(t, ok, "current fence")
}

func TestDecrementChecksOwner(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	key := "balance:u1:app:TRIAL"

	ok, err := store.Seed(ctx, key, 3, quotagate.Fence{SubscriptionID: "s1"})
	require.NoError(t, err)
	require.True(t, ok)
	owner, err := mr.Get("quotagate:{" + key + "}:owner")
	require.NoError(t, err)
	assert.Equal(t, "s1", owner)

	c, err := store.Decrement(ctx, key, "s2")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Owned(3, "s1"), c, "counter of another subscription is not decremented")

	c, err = store.Decrement(ctx, key, "s1")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Owned(2, "s1"), c)

	// Counters seeded without a fence are unowned and shared.
	ok, err = store.Seed(ctx, "plain", 1, quotagate.Fence{})
	require.NoError(t, err)
	require.True(t, ok)
	c, err = store.Decrement(ctx, "plain", "anyone")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Value(0), c)
}

func TestTracked(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Track(ctx, "balance:a:x:TRIAL"))
	require.NoError(t, store.Track(ctx, "balance:b:x:TRIAL"))
	require.NoError(t, store.Untrack(ctx, "balance:a:x:TRIAL"))

	keys, err := store.Tracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"balance:b:x:TRIAL"}, keys)
}

func TestKeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	s1 := quotaredis.New(client, quotaredis.WithKeyPrefix("test:iso1:"))
	s2 := quotaredis.New(client, quotaredis.WithKeyPrefix("test:iso2:"))

	_, err := s1.Seed(ctx, "k", 100, quotagate.Fence{})
	require.NoError(t, err)
	_, err = s2.Seed(ctx, "k", 200, quotagate.Fence{})
	require.NoError(t, err)

	c1, _ := s1.Get(ctx, "k")
	c2, _ := s2.Get(ctx, "k")
	assert.Equal(t, int64(100), c1.Value)
	assert.Equal(t, int64(200), c2.Value)
}

func TestUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	_, err := store.Decrement(context.Background(), "k", "s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, quotagate.ErrCacheUnavailable))
	assert.True(t, quotagate.IsRetryable(err))
}

// TestGateExactAdmissions drives a gate over the Redis store with more
// concurrent callers than credit and expects exactly credit acceptances.
func TestGateExactAdmissions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	led := ledger.NewMemory()
	require.NoError(t, led.SetPricing(ctx, quotagate.Pricing{Application: "app", Tier: quotagate.TierTrial, Credit: 25}))
	sub, err := led.CreateSubscription(ctx, quotagate.NewSubscription{
		Subscriber: "u1", Application: "app", Tier: quotagate.TierTrial, StartsAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	gate, err := quotagate.NewGate(store, led)
	require.NoError(t, err)
	claims := quotagate.Claims{Subscriber: "u1", SubscriptionID: sub.ID, Application: "app", Tier: quotagate.TierTrial}

	var wg sync.WaitGroup
	var accepted, exhausted atomic.Int64
	for range 60 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Admit(ctx, claims)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, quotagate.ErrQuotaExhausted):
				exhausted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), accepted.Load())
	assert.Equal(t, int64(35), exhausted.Load())

	_, err = gate.Reconciler().Reconcile(ctx, sub.Key())
	require.NoError(t, err)
	got, err := led.ActiveSubscription(ctx, "u1", "app", quotagate.TierTrial)
	require.NoError(t, err)
	assert.Equal(t, int64(25), got.Balance)
}
