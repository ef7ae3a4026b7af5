package quotagate

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval    = time.Minute
	DefaultSweepConcurrency = 8
)

// Sweeper periodically reconciles every tracked key so that consumption of
// counters that never hit zero still reaches the ledger.
type Sweeper struct {
	reconciler  *Reconciler
	interval    time.Duration
	concurrency int
	logger      *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets the time between sweeps.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

// WithSweepConcurrency bounds the reconciliations running at once.
func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) { s.concurrency = n }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper driving r.
func NewSweeper(r *Reconciler, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{reconciler: r}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultSweepConcurrency
	}
	if s.logger == nil {
		s.logger = r.logger
	}
	return s
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Keys       int
	Reconciled int
	Failed     int
}

// Sweep reconciles all tracked keys once. Failures of single keys are logged
// and counted; only a failure to list the tracked set is returned.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	keys, err := s.reconciler.cache.Tracked(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	var reconciled, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			k, err := ParseKey(key)
			if err != nil {
				s.logger.Warn("untracking malformed key", "key", key, "error", err)
				if err := s.reconciler.cache.Untrack(ctx, key); err != nil {
					failed.Add(1)
				}
				return nil
			}
			balance, err := s.reconciler.Reconcile(ctx, k)
			switch {
			case err == nil:
				reconciled.Add(1)
			case errors.Is(err, ErrSubscriptionNotFound):
				// The orphaned counter was dropped.
				reconciled.Add(1)
			default:
				failed.Add(1)
				s.logger.Warn("sweep reconcile failed", "key", key, "error", err)
				return nil
			}
			s.logger.Debug("swept", "key", key, "balance", balance)
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{
		Keys:       len(keys),
		Reconciled: int(reconciled.Load()),
		Failed:     int(failed.Load()),
	}
	return res, ctx.Err()
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if res.Keys > 0 {
				s.logger.Info("sweep done",
					"keys", res.Keys, "reconciled", res.Reconciled, "failed", res.Failed)
			}
		}
	}
}
