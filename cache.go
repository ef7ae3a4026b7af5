package quotagate

import "context"

// QuotaCache is a shared counter store holding the remaining units of each
// quota key since it was last seeded from the ledger.
//
// Implementations must perform Decrement, Seed and Clear as single atomic
// operations of the store; callers never read-modify-write a counter.
type QuotaCache interface {
	// Decrement atomically decrements the counter at key and returns the new
	// value when the counter is unowned or owned by subscriptionID. A counter
	// owned by another subscription is returned unchanged. A missing key is
	// left missing and reported as Absent.
	Decrement(ctx context.Context, key, subscriptionID string) (Counter, error)

	// Seed sets the counter at key to value, owned by the fence's subscription,
	// if the key is missing and the fence is not older than the last balance
	// released for that subscription. It returns false when another caller
	// seeded first or the fence is stale.
	Seed(ctx context.Context, key string, value int64, fence Fence) (bool, error)

	// Get returns the current counter without modifying it.
	Get(ctx context.Context, key string) (Counter, error)

	// Clear deletes the counter if its value and owner still match expected
	// and records the fence's balance as released for its subscription.
	Clear(ctx context.Context, key string, expected Counter, fence Fence) (bool, error)

	// Track adds key to the set of keys with unreconciled consumption.
	Track(ctx context.Context, key string) error

	// Untrack removes key from the tracked set.
	Untrack(ctx context.Context, key string) error

	// Tracked lists the tracked keys.
	Tracked(ctx context.Context) ([]string, error)
}

// Fence ties a seed or release to the ledger balance it was computed from.
// A seed whose balance is below the last released balance of the same
// subscription was read before that release and is refused.
// The zero Fence records nothing and is never stale.
type Fence struct {
	SubscriptionID string
	Balance        int64
}
