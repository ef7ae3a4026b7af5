package quotagate

import (
	"fmt"
	"time"
)

// Tier is a named pricing level that determines the credit granted per subscription.
type Tier string

const (
	TierTrial    Tier = "TRIAL"
	TierStandard Tier = "STANDARD"
	TierPremium  Tier = "PREMIUM"
)

// ParseTier returns the Tier named by s.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("quotagate: unknown tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierTrial, TierStandard, TierPremium:
		return true
	}
	return false
}

// Role is the role of a subscriber identity.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
	RoleApp     Role = "app"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser, RoleApp:
		return true
	}
	return false
}

// CanManage reports whether r may create and cancel subscriptions.
func (r Role) CanManage() bool {
	return r == RoleAdmin || r == RoleManager
}

// Identity is the authenticated subscriber a token is issued to.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Subscription is a ledger row granting Credit units of Application under Tier.
//
// Balance is the count of units already folded back from the quota cache,
// not the remaining credit.
type Subscription struct {
	ID          string     `json:"id"`
	Subscriber  string     `json:"subscriber"`
	Application string     `json:"application"`
	Tier        Tier       `json:"tier"`
	Credit      int64      `json:"credit"`
	Balance     int64      `json:"balance"`
	Active      bool       `json:"active"`
	StartsAt    time.Time  `json:"starts_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Recurring   bool       `json:"recurring"`
	CreatedAt   time.Time  `json:"created_at"`
	CreatedBy   string     `json:"created_by,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// Remaining returns the credit left according to the ledger alone.
func (s Subscription) Remaining() int64 {
	return s.Credit - s.Balance
}

// Key returns the quota cache key of the subscription.
func (s Subscription) Key() Key {
	return Key{Subscriber: s.Subscriber, Application: s.Application, Tier: s.Tier}
}

// ExpiredAt reports whether the subscription has lapsed at t.
func (s Subscription) ExpiredAt(t time.Time) bool {
	return s.ExpiresAt != nil && !t.Before(*s.ExpiresAt)
}

// NewSubscription describes a subscription to create. Credit is taken from
// the Pricing entry of Application and Tier.
type NewSubscription struct {
	Subscriber  string
	Application string
	Tier        Tier
	StartsAt    time.Time
	ExpiresAt   *time.Time
	Recurring   bool
	CreatedBy   string
	Notes       string
}

// Validate checks the required fields.
func (n NewSubscription) Validate() error {
	switch {
	case n.Subscriber == "":
		return fmt.Errorf("%w: subscriber is required", ErrInvalidSubscription)
	case n.Application == "":
		return fmt.Errorf("%w: application is required", ErrInvalidSubscription)
	case !n.Tier.Valid():
		return fmt.Errorf("%w: invalid tier %q", ErrInvalidSubscription, n.Tier)
	case n.ExpiresAt != nil && !n.ExpiresAt.After(n.StartsAt):
		return fmt.Errorf("%w: expires_at must be after starts_at", ErrInvalidSubscription)
	}
	return nil
}

// Pricing is the reference credit and price of an application tier.
type Pricing struct {
	Application string  `json:"application" yaml:"application"`
	Tier        Tier    `json:"tier" yaml:"tier"`
	Credit      int64   `json:"credit" yaml:"credit"`
	Price       float64 `json:"price" yaml:"price"`
}

// Counter is a quota cache counter read. Present is false when the key does not exist.
// SubscriptionID is the subscription that seeded the counter, empty if unknown.
type Counter struct {
	Present        bool
	Value          int64
	SubscriptionID string
}

// Absent is the Counter of a missing key.
var Absent = Counter{}

// Value returns a present, unowned Counter holding n.
func Value(n int64) Counter {
	return Counter{Present: true, Value: n}
}

// Owned returns a present Counter holding n seeded by subscriptionID.
func Owned(n int64, subscriptionID string) Counter {
	return Counter{Present: true, Value: n, SubscriptionID: subscriptionID}
}

// OwnedBy reports whether the counter may be charged to subscriptionID.
// Unowned counters match every subscription.
func (c Counter) OwnedBy(subscriptionID string) bool {
	return c.SubscriptionID == "" || c.SubscriptionID == subscriptionID
}

// Usage is a subscription with its live remaining credit.
type Usage struct {
	Subscription Subscription `json:"subscription"`
	Outstanding  int64        `json:"outstanding"`
	Remaining    int64        `json:"remaining"`
}
