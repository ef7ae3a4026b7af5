package quotagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// dropAttempts bounds how often drop retries a counter that keeps moving.
const dropAttempts = 5

// Reconciler folds quota cache counters back into the ledger balance. It is
// the only writer of Subscription.Balance after creation.
//
// A reconciliation reads the counter, persists the balance it implies and
// never subtracts from the counter, so a decrement that lands concurrently is
// simply picked up by the next pass. Counters still holding credit stay live
// and tracked. An exhausted counter is released with an atomic
// compare-and-delete once its balance is durable; the release records that
// balance as a fence so a cold caller holding an older ledger read cannot
// seed the key again. A counter is only ever folded into the subscription
// that seeded it.
type Reconciler struct {
	cache  QuotaCache
	ledger Ledger
	meter  Meter
	logger *slog.Logger
}

// NewReconciler creates a Reconciler. A nil meter or logger selects a no-op
// meter and slog.Default().
func NewReconciler(cache QuotaCache, ledger Ledger, meter Meter, logger *slog.Logger) *Reconciler {
	if meter == nil {
		meter = &noopMeter{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cache: cache, ledger: ledger, meter: meter, logger: logger}
}

// Reconcile folds the counter of k into the ledger and returns the persisted balance.
// Calling it again without intervening decrements does not change the ledger.
func (r *Reconciler) Reconcile(ctx context.Context, k Key) (int64, error) {
	return r.reconcile(ctx, k, nil)
}

// reconcile accepts the subscription when the caller already loaded it.
func (r *Reconciler) reconcile(ctx context.Context, k Key, sub *Subscription) (balance int64, err error) {
	key := k.String()
	start := time.Now()
	ev := ReconcileEvent{Key: key}
	defer func() {
		ev.Balance = balance
		ev.Duration = time.Since(start)
		ev.Error = err
		r.meter.OnReconcile(ev)
	}()

	counter, err := r.cache.Get(ctx, key)
	if err != nil {
		return 0, wrapKey(k, err)
	}
	ev.Counter = counter

	if sub == nil {
		s, err := r.ledger.ActiveSubscription(ctx, k.Subscriber, k.Application, k.Tier)
		if errors.Is(err, ErrSubscriptionNotFound) {
			// The subscription lapsed or was cancelled. Nothing can absorb
			// the counter any more.
			released, derr := r.release(ctx, key, counter)
			if derr != nil {
				r.logger.Warn("drop orphaned counter", "key", key, "error", derr)
			}
			ev.Released = released
		}
		if err != nil {
			return 0, wrapKey(k, err)
		}
		sub = &s
	}

	if !counter.Present {
		if err := r.untrack(ctx, key); err != nil {
			return sub.Balance, wrapKey(k, err)
		}
		return sub.Balance, nil
	}

	if !counter.OwnedBy(sub.ID) {
		// Seeded by an earlier subscription of the same key. Its consumption
		// belongs to that subscription and is never charged to sub.
		r.logger.Debug("dropping counter of a previous subscription",
			"key", key, "owner", counter.SubscriptionID, "active", sub.ID)
		released, err := r.release(ctx, key, counter)
		ev.Released = released
		if err != nil {
			return sub.Balance, wrapKey(k, err)
		}
		return sub.Balance, nil
	}

	// The counter holds the units left since the last seed, so the consumed
	// total is credit minus the counter. Values below zero are decrements of
	// rejected requests and never count as consumption.
	target := max(0, min(sub.Credit-counter.Value, sub.Credit))

	persisted, err := r.ledger.PersistBalance(ctx, sub.ID, target)
	if errors.Is(err, ErrConflict) {
		// A concurrent reconciliation saw a lower counter and already folded more.
		r.logger.Debug("stale reconciliation skipped",
			"key", key, "proposed", target, "stored", persisted)
		return persisted, nil
	}
	if err != nil {
		return sub.Balance, wrapKey(k, err)
	}

	if counter.Value > 0 {
		return persisted, nil
	}

	cleared, err := r.cache.Clear(ctx, key, counter, Fence{SubscriptionID: sub.ID, Balance: persisted})
	if err != nil {
		return persisted, wrapKey(k, err)
	}
	if !cleared {
		// Another decrement landed after the read; its caller reconciles again.
		return persisted, nil
	}
	ev.Released = true
	if err := r.untrack(ctx, key); err != nil {
		return persisted, wrapKey(k, err)
	}
	return persisted, nil
}

// release deletes counter from key without folding it, if it is still
// unchanged, and untracks the key.
func (r *Reconciler) release(ctx context.Context, key string, counter Counter) (bool, error) {
	if !counter.Present {
		return false, r.untrack(ctx, key)
	}
	cleared, err := r.cache.Clear(ctx, key, counter, Fence{})
	if err != nil || !cleared {
		return false, err
	}
	return true, r.untrack(ctx, key)
}

// drop deletes whatever counter is at key without folding it and untracks the key.
func (r *Reconciler) drop(ctx context.Context, key string) error {
	for range dropAttempts {
		counter, err := r.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		if !counter.Present {
			return r.untrack(ctx, key)
		}
		cleared, err := r.release(ctx, key, counter)
		if err != nil || cleared {
			return err
		}
	}
	return fmt.Errorf("%w: counter %s kept changing", ErrCacheUnavailable, key)
}

// untrack removes key from the tracked set unless a counter was seeded
// there since it was last read.
func (r *Reconciler) untrack(ctx context.Context, key string) error {
	if err := r.cache.Untrack(ctx, key); err != nil {
		return err
	}
	counter, err := r.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if counter.Present {
		return r.cache.Track(ctx, key)
	}
	return nil
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnDecision(DecisionEvent)   {}
func (m *noopMeter) OnReconcile(ReconcileEvent) {}
