package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/quotagate"
)

// PromMeter exports gate events as Prometheus metrics.
type PromMeter struct {
	decisions       *prometheus.CounterVec
	decisionLatency *prometheus.HistogramVec
	reconciles      *prometheus.CounterVec
	balances        prometheus.Histogram
}

var _ quotagate.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors with reg.
func NewPromMeter(reg prometheus.Registerer) (*PromMeter, error) {
	m := &PromMeter{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "decisions_total",
			Help:      "Gate decisions by application, tier and outcome.",
		}, []string{"application", "tier", "outcome"}),
		decisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quotagate",
			Name:      "decision_duration_seconds",
			Help:      "Latency of gate decisions by path.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"path"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quotagate",
			Name:      "reconciliations_total",
			Help:      "Reconciliation attempts by result.",
		}, []string{"result"}),
		balances: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quotagate",
			Name:      "reconciled_balance",
			Help:      "Ledger balance persisted by successful reconciliations.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
	for _, c := range []prometheus.Collector{m.decisions, m.decisionLatency, m.reconciles, m.balances} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnDecision(e quotagate.DecisionEvent) {
	m.decisions.WithLabelValues(e.Application, string(e.Tier), Outcome(e)).Inc()
	if e.Path != quotagate.PathToken {
		m.decisionLatency.WithLabelValues(string(e.Path)).Observe(e.Duration.Seconds())
	}
}

func (m *PromMeter) OnReconcile(e quotagate.ReconcileEvent) {
	switch {
	case e.Error != nil:
		m.reconciles.WithLabelValues("error").Inc()
		return
	case !e.Counter.Present:
		m.reconciles.WithLabelValues("noop").Inc()
	case e.Released:
		m.reconciles.WithLabelValues("released").Inc()
	default:
		m.reconciles.WithLabelValues("persisted").Inc()
	}
	m.balances.Observe(float64(e.Balance))
}
