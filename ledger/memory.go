// Package ledger provides an in-memory Ledger.
//
// It keeps the same guarantees as the SQL ledgers (one active subscription
// per key, monotonic balances bounded by credit) and is used by tests and
// single-process deployments.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/quotagate"
)

// Memory is an in-memory Ledger.
type Memory struct {
	mu            sync.RWMutex
	subscriptions map[string]*quotagate.Subscription
	pricing       map[pricingKey]quotagate.Pricing
	now           func() time.Time
}

type pricingKey struct {
	application string
	tier        quotagate.Tier
}

var _ quotagate.Ledger = (*Memory)(nil)

// Option configures Memory.
type Option func(*Memory)

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory ledger.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		subscriptions: make(map[string]*quotagate.Subscription),
		pricing:       make(map[pricingKey]quotagate.Pricing),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ActiveSubscription returns the active, unexpired subscription of the triple.
func (m *Memory) ActiveSubscription(_ context.Context, subscriber, application string, tier quotagate.Tier) (quotagate.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s := m.active(subscriber, application, tier); s != nil {
		return *s, nil
	}
	return quotagate.Subscription{}, quotagate.ErrSubscriptionNotFound
}

func (m *Memory) active(subscriber, application string, tier quotagate.Tier) *quotagate.Subscription {
	now := m.now()
	for _, s := range m.subscriptions {
		if s.Active && !s.ExpiredAt(now) &&
			s.Subscriber == subscriber && s.Application == application && s.Tier == tier {
			return s
		}
	}
	return nil
}

// PersistBalance raises the balance of a subscription. A balance lower than
// the stored one is rejected with ErrConflict.
func (m *Memory) PersistBalance(_ context.Context, subscriptionID string, balance int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[subscriptionID]
	if !ok {
		return 0, quotagate.ErrSubscriptionNotFound
	}
	balance = max(0, min(balance, s.Credit))
	if balance < s.Balance {
		return s.Balance, quotagate.ErrConflict
	}
	s.Balance = balance
	return s.Balance, nil
}

// CreateSubscription creates a subscription with the credit of the current pricing.
func (m *Memory) CreateSubscription(_ context.Context, n quotagate.NewSubscription) (quotagate.Subscription, error) {
	if err := n.Validate(); err != nil {
		return quotagate.Subscription{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pricing[pricingKey{n.Application, n.Tier}]
	if !ok {
		return quotagate.Subscription{}, fmt.Errorf("%w: %s/%s", quotagate.ErrPricingNotFound, n.Application, n.Tier)
	}

	// Lapsed subscriptions no longer hold the active slot.
	now := m.now()
	for _, s := range m.subscriptions {
		if s.Active && s.ExpiredAt(now) {
			s.Active = false
		}
	}
	if m.active(n.Subscriber, n.Application, n.Tier) != nil {
		return quotagate.Subscription{}, quotagate.ErrDuplicateActive
	}

	s := &quotagate.Subscription{
		ID:          uuid.New().String(),
		Subscriber:  n.Subscriber,
		Application: n.Application,
		Tier:        n.Tier,
		Credit:      p.Credit,
		Active:      true,
		StartsAt:    n.StartsAt,
		ExpiresAt:   n.ExpiresAt,
		Recurring:   n.Recurring,
		CreatedAt:   now.UTC(),
		CreatedBy:   n.CreatedBy,
		Notes:       n.Notes,
	}
	m.subscriptions[s.ID] = s
	return *s, nil
}

// Deactivate marks a subscription inactive.
func (m *Memory) Deactivate(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.subscriptions[subscriptionID]
	if !ok {
		return quotagate.ErrSubscriptionNotFound
	}
	s.Active = false
	return nil
}

// Subscriptions lists the subscriptions of subscriber, newest first.
func (m *Memory) Subscriptions(_ context.Context, subscriber string, activeOnly bool) ([]quotagate.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var out []quotagate.Subscription
	for _, s := range m.subscriptions {
		if s.Subscriber != subscriber {
			continue
		}
		if activeOnly && (!s.Active || s.ExpiredAt(now)) {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SetPricing creates or replaces the pricing of an application tier.
// Existing subscriptions keep the credit they were created with.
func (m *Memory) SetPricing(_ context.Context, p quotagate.Pricing) error {
	if p.Application == "" || !p.Tier.Valid() || p.Credit <= 0 {
		return fmt.Errorf("quotagate/ledger: invalid pricing %s/%s", p.Application, p.Tier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.pricing[pricingKey{p.Application, p.Tier}] = p
	return nil
}

// Pricing returns the pricing of an application tier.
func (m *Memory) Pricing(_ context.Context, application string, tier quotagate.Tier) (quotagate.Pricing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.pricing[pricingKey{application, tier}]
	if !ok {
		return quotagate.Pricing{}, quotagate.ErrPricingNotFound
	}
	return p, nil
}
