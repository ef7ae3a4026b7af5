package quotagate

import "context"

// Ledger is the durable store of subscriptions and pricing. It is the source of truth.
type Ledger interface {
	// ActiveSubscription returns the active, unexpired subscription of the triple.
	// Returns ErrSubscriptionNotFound if there is none.
	ActiveSubscription(ctx context.Context, subscriber, application string, tier Tier) (Subscription, error)

	// PersistBalance raises the balance of a subscription to balance inside a
	// transaction and returns the stored value. A balance lower than the stored
	// one is rejected with ErrConflict, still returning the stored value.
	PersistBalance(ctx context.Context, subscriptionID string, balance int64) (int64, error)

	// CreateSubscription snapshots credit from Pricing and inserts the subscription.
	// Returns ErrDuplicateActive if an active, unexpired one already exists for the triple.
	CreateSubscription(ctx context.Context, sub NewSubscription) (Subscription, error)

	// Deactivate marks a subscription inactive.
	Deactivate(ctx context.Context, subscriptionID string) error

	// Subscriptions lists the subscriptions of a subscriber, newest first.
	Subscriptions(ctx context.Context, subscriber string, activeOnly bool) ([]Subscription, error)

	// SetPricing inserts or replaces the pricing of an application tier.
	SetPricing(ctx context.Context, p Pricing) error

	// Pricing returns the pricing of an application tier.
	Pricing(ctx context.Context, application string, tier Tier) (Pricing, error)
}
