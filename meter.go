package quotagate

import "time"

// Meter observes gate decisions and reconciliations for monitoring/logging.
type Meter interface {
	// OnDecision is called once per Admit call and for every token Authorize rejects.
	OnDecision(event DecisionEvent)

	// OnReconcile is called after every reconciliation attempt.
	OnReconcile(event ReconcileEvent)
}

// Path is the branch of the gate a decision was taken on.
type Path string

const (
	// PathToken is a rejection before any quota was touched.
	PathToken Path = "token"
	PathWarm  Path = "warm"
	PathCold  Path = "cold"
)

// DecisionEvent describes an accept/reject decision.
type DecisionEvent struct {
	Subscriber  string
	Application string
	Tier        Tier
	Path        Path
	Accepted    bool
	Remaining   int64
	Duration    time.Duration
	Error       error
}

// ReconcileEvent describes a reconciliation attempt.
type ReconcileEvent struct {
	Key      string
	Counter  Counter
	Balance  int64
	Released bool
	Duration time.Duration
	Error    error
}
