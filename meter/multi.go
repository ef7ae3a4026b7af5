package meter

import "github.com/ineyio/quotagate"

// Multi fans every event out to all meters in order.
type Multi []quotagate.Meter

var _ quotagate.Meter = Multi(nil)

func (m Multi) OnDecision(e quotagate.DecisionEvent) {
	for _, mm := range m {
		mm.OnDecision(e)
	}
}

func (m Multi) OnReconcile(e quotagate.ReconcileEvent) {
	for _, mm := range m {
		mm.OnReconcile(e)
	}
}
