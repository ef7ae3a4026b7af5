package meter

import "github.com/ineyio/quotagate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotagate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDecision(quotagate.DecisionEvent)   {}
func (m *NoopMeter) OnReconcile(quotagate.ReconcileEvent) {}
