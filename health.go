package quotagate

import (
	"errors"
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// Backends reported by the HealthTracker of a Gate.
const (
	BackendCache  = "cache"
	BackendLedger = "ledger"
)

// HealthState is the circuit state of a backing store.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthHalfOpen  HealthState = "half_open"
)

// HealthTracker tracks the health of backing stores from the outcome of gate
// operations. Three failures within a minute mark a backend unhealthy; after
// thirty seconds it turns half-open until the next success or failure.
type HealthTracker struct {
	mu       sync.Mutex
	backends map[string]*backendHealth
	now      func() time.Time
}

type backendHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		backends: make(map[string]*backendHealth),
		now:      time.Now,
	}
}

// State returns the current state of a backend. Unknown backends are healthy.
func (h *HealthTracker) State(backend string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh, ok := h.backends[backend]
	if !ok {
		return HealthHealthy
	}
	return h.refresh(bh)
}

// Snapshot returns the state of every backend seen so far.
func (h *HealthTracker) Snapshot() map[string]HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]HealthState, len(h.backends))
	for name, bh := range h.backends {
		out[name] = h.refresh(bh)
	}
	return out
}

// Healthy reports whether no backend is unhealthy.
func (h *HealthTracker) Healthy() bool {
	for _, s := range h.Snapshot() {
		if s == HealthUnhealthy {
			return false
		}
	}
	return true
}

// RecordSuccess records a successful operation against a backend.
func (h *HealthTracker) RecordSuccess(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.getOrCreate(backend)
	bh.state = HealthHealthy
	bh.failures = bh.failures[:0]
}

// RecordFailure records a failed operation against a backend.
func (h *HealthTracker) RecordFailure(backend string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	bh := h.getOrCreate(backend)
	if h.refresh(bh) == HealthUnhealthy {
		return
	}

	now := h.now()
	cutoff := now.Add(-healthFailureWindow)
	valid := bh.failures[:0]
	for _, t := range bh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	bh.failures = append(valid, now)

	if bh.state == HealthHalfOpen || len(bh.failures) >= healthFailureThreshold {
		bh.state = HealthUnhealthy
		bh.unhealthyAt = now
	}
}

// record classifies the outcome of a gate operation that touched the given backends.
func (h *HealthTracker) record(err error, backends ...string) {
	switch {
	case errors.Is(err, ErrCacheUnavailable):
		h.RecordFailure(BackendCache)
	case errors.Is(err, ErrLedgerUnavailable):
		h.RecordFailure(BackendLedger)
	default:
		for _, b := range backends {
			h.RecordSuccess(b)
		}
	}
}

func (h *HealthTracker) refresh(bh *backendHealth) HealthState {
	if bh.state == HealthUnhealthy && h.now().Sub(bh.unhealthyAt) >= healthUnhealthyPeriod {
		bh.state = HealthHalfOpen
	}
	return bh.state
}

func (h *HealthTracker) getOrCreate(backend string) *backendHealth {
	bh, ok := h.backends[backend]
	if !ok {
		bh = &backendHealth{state: HealthHealthy}
		h.backends[backend] = bh
	}
	return bh
}
