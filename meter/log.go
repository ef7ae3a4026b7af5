package meter

import (
	"log/slog"

	"github.com/ineyio/quotagate"
)

// LogMeter logs gate events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotagate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDecision(e quotagate.DecisionEvent) {
	if e.Accepted {
		m.Logger.Debug("decision",
			"subscriber", e.Subscriber,
			"application", e.Application,
			"tier", e.Tier,
			"path", e.Path,
			"remaining", e.Remaining,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Info("decision_rejected",
		"subscriber", e.Subscriber,
		"application", e.Application,
		"tier", e.Tier,
		"path", e.Path,
		"outcome", Outcome(e),
		"error", e.Error,
	)
}

func (m *LogMeter) OnReconcile(e quotagate.ReconcileEvent) {
	if e.Error != nil {
		m.Logger.Warn("reconcile_error",
			"key", e.Key,
			"counter_present", e.Counter.Present,
			"counter", e.Counter.Value,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("reconcile",
		"key", e.Key,
		"counter_present", e.Counter.Present,
		"counter", e.Counter.Value,
		"balance", e.Balance,
		"released", e.Released,
		"duration_ms", e.Duration.Milliseconds(),
	)
}
