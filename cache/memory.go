// Package cache provides an in-memory QuotaCache for single-process
// deployments and tests.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/quotagate"
)

// DefaultFenceTTL is how long released balances are remembered.
const DefaultFenceTTL = 24 * time.Hour

// Memory is an in-memory QuotaCache. Every operation holds one mutex, which
// makes each of them atomic with respect to the others.
type Memory struct {
	mu        sync.Mutex
	counters  map[string]counter
	released  map[string]map[string]fence // key -> subscription -> fence
	tracked   map[string]struct{}
	fenceTTL  time.Duration
	lastPrune time.Time
	now       func() time.Time
}

type counter struct {
	value int64
	owner string
}

type fence struct {
	balance    int64
	releasedAt time.Time
}

var _ quotagate.QuotaCache = (*Memory)(nil)

// Option configures Memory.
type Option func(*Memory)

// WithFenceTTL sets how long a released balance keeps refusing stale seeds.
func WithFenceTTL(d time.Duration) Option {
	return func(m *Memory) { m.fenceTTL = d }
}

// WithClock sets the time source used to expire fences.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory cache.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		counters: make(map[string]counter),
		released: make(map[string]map[string]fence),
		tracked:  make(map[string]struct{}),
		fenceTTL: DefaultFenceTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (c counter) read() quotagate.Counter {
	return quotagate.Owned(c.value, c.owner)
}

// Decrement decrements a present counter charged to subscriptionID.
// A missing key stays missing.
func (m *Memory) Decrement(_ context.Context, key, subscriptionID string) (quotagate.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return quotagate.Absent, nil
	}
	if !c.read().OwnedBy(subscriptionID) {
		return c.read(), nil
	}
	c.value--
	m.counters[key] = c
	return c.read(), nil
}

// Seed sets a missing counter unless the fence is stale.
func (m *Memory) Seed(_ context.Context, key string, value int64, f quotagate.Fence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.counters[key]; ok {
		return false, nil
	}
	m.pruneKey(key)
	if f.SubscriptionID != "" {
		if last, ok := m.released[key][f.SubscriptionID]; ok && f.Balance < last.balance {
			return false, nil
		}
	}
	m.counters[key] = counter{value: value, owner: f.SubscriptionID}
	return true, nil
}

// Get returns the counter at key.
func (m *Memory) Get(_ context.Context, key string) (quotagate.Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		return quotagate.Absent, nil
	}
	return c.read(), nil
}

// Clear deletes the counter if it still holds expected.
func (m *Memory) Clear(_ context.Context, key string, expected quotagate.Counter, f quotagate.Fence) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || c.read() != expected {
		return false, nil
	}
	delete(m.counters, key)

	now := m.now()
	if now.Sub(m.lastPrune) >= m.fenceTTL {
		for k := range m.released {
			m.pruneKey(k)
		}
		m.lastPrune = now
	}

	if f.SubscriptionID != "" {
		subs := m.released[key]
		if subs == nil {
			subs = make(map[string]fence)
			m.released[key] = subs
		}
		if last, ok := subs[f.SubscriptionID]; !ok || f.Balance > last.balance {
			subs[f.SubscriptionID] = fence{balance: f.Balance, releasedAt: now}
		} else {
			last.releasedAt = now
			subs[f.SubscriptionID] = last
		}
	}
	return true, nil
}

// pruneKey drops the expired fences of key. m.mu must be held.
func (m *Memory) pruneKey(key string) {
	subs, ok := m.released[key]
	if !ok {
		return
	}
	cutoff := m.now().Add(-m.fenceTTL)
	for sid, f := range subs {
		if !f.releasedAt.After(cutoff) {
			delete(subs, sid)
		}
	}
	if len(subs) == 0 {
		delete(m.released, key)
	}
}

// Fences returns the number of released balances currently remembered.
func (m *Memory) Fences() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, subs := range m.released {
		n += len(subs)
	}
	return n
}

// Track adds key to the tracked set.
func (m *Memory) Track(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracked[key] = struct{}{}
	return nil
}

// Untrack removes key from the tracked set.
func (m *Memory) Untrack(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tracked, key)
	return nil
}

// Tracked returns the tracked keys in sorted order.
func (m *Memory) Tracked(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.tracked))
	for k := range m.tracked {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Set overwrites the counter at key with an unowned value. It exists for
// tests that need a counter in a specific state.
func (m *Memory) Set(key string, value int64) {
	m.SetOwned(key, value, "")
}

// SetOwned overwrites the counter at key as if subscriptionID had seeded it.
func (m *Memory) SetOwned(key string, value int64, subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[key] = counter{value: value, owner: subscriptionID}
}

// Flush drops every counter and the tracked set, as a cache restart would.
// Released fences are dropped too.
func (m *Memory) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters = make(map[string]counter)
	m.released = make(map[string]map[string]fence)
	m.tracked = make(map[string]struct{})
}
