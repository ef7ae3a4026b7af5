package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/quotagate"
)

func TestMemoryDecrementAbsentStaysAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c, err := m.Decrement(ctx, "balance:u1:app:TRIAL", "s1")
	require.NoError(t, err)
	assert.False(t, c.Present)

	c, err = m.Get(ctx, "balance:u1:app:TRIAL")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Absent, c)
}

func TestMemorySeedAndDecrement(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Seed(ctx, "k", 2, quotagate.Fence{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Seed(ctx, "k", 10, quotagate.Fence{})
	require.NoError(t, err)
	assert.False(t, ok, "second seed must not overwrite")

	for _, want := range []int64{1, 0, -1} {
		c, err := m.Decrement(ctx, "k", "")
		require.NoError(t, err)
		assert.Equal(t, quotagate.Value(want), c)
	}
}

func TestMemoryClearComparesValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set("k", 0)

	ok, err := m.Clear(ctx, "k", quotagate.Value(1), quotagate.Fence{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Clear(ctx, "k", quotagate.Value(0), quotagate.Fence{})
	require.NoError(t, err)
	assert.True(t, ok)

	c, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, c.Present)
}

func TestMemoryStaleFenceRefused(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set("k", 0)

	ok, err := m.Clear(ctx, "k", quotagate.Value(0), quotagate.Fence{SubscriptionID: "s1", Balance: 10})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Seed(ctx, "k", 9, quotagate.Fence{SubscriptionID: "s1", Balance: 0})
	require.NoError(t, err)
	assert.False(t, ok, "seed computed from an older balance")

	ok, err = m.Seed(ctx, "k", 5, quotagate.Fence{SubscriptionID: "s2", Balance: 0})
	require.NoError(t, err)
	assert.True(t, ok, "fences of other subscriptions do not apply")
}

func TestMemoryCounterOwnership(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Seed(ctx, "k", 5, quotagate.Fence{SubscriptionID: "s1"})
	require.NoError(t, err)
	require.True(t, ok)

	c, err := m.Decrement(ctx, "k", "s1")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Owned(4, "s1"), c)

	c, err = m.Decrement(ctx, "k", "s2")
	require.NoError(t, err)
	assert.Equal(t, quotagate.Owned(4, "s1"), c, "another subscription's decrement leaves the counter alone")
	assert.False(t, c.OwnedBy("s2"))

	ok, err = m.Clear(ctx, "k", quotagate.Owned(4, "s2"), quotagate.Fence{})
	require.NoError(t, err)
	assert.False(t, ok, "clear compares the owner too")

	ok, err = m.Clear(ctx, "k", quotagate.Owned(4, "s1"), quotagate.Fence{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryFencesExpire(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	m := NewMemory(WithFenceTTL(time.Hour), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2", "s3"} {
		m.SetOwned("k", 0, sid)
		ok, err := m.Clear(ctx, "k", quotagate.Owned(0, sid), quotagate.Fence{SubscriptionID: sid, Balance: 10})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 3, m.Fences())

	now = now.Add(2 * time.Hour)
	ok, err := m.Seed(ctx, "k", 9, quotagate.Fence{SubscriptionID: "s1", Balance: 0})
	require.NoError(t, err)
	assert.True(t, ok, "an expired fence no longer refuses seeds")
	assert.Equal(t, 0, m.Fences())

	// Fences of keys that are never seeded again are pruned by later releases.
	m.SetOwned("other", 0, "s9")
	ok, err = m.Clear(ctx, "other", quotagate.Owned(0, "s9"), quotagate.Fence{SubscriptionID: "s9", Balance: 3})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.Fences())

	now = now.Add(2 * time.Hour)
	m.SetOwned("k2", 0, "s4")
	ok, err = m.Clear(ctx, "k2", quotagate.Owned(0, "s4"), quotagate.Fence{SubscriptionID: "s4", Balance: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.Fences())
}

func TestMemoryTracked(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Track(ctx, "b"))
	require.NoError(t, m.Track(ctx, "a"))
	require.NoError(t, m.Track(ctx, "a"))

	keys, err := m.Tracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, m.Untrack(ctx, "a"))
	keys, err = m.Tracked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)
}

func TestMemoryConcurrentDecrements(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Set("k", 50)

	var wg sync.WaitGroup
	var nonNegative atomic.Int64
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := m.Decrement(ctx, "k", "")
			if err == nil && c.Value >= 0 {
				nonNegative.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), nonNegative.Load())
	c, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(-50), c.Value)
}
