package pool

// Metrics receives pool observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	SetWorkersByStatus(status string, count int)
	IncOutcome(purpose string, success bool)
	IncCooldowns()
	IncPersistErrors()
}

type noopMetrics struct{}

func (noopMetrics) SetWorkersByStatus(string, int) {}
func (noopMetrics) IncOutcome(string, bool)        {}
func (noopMetrics) IncCooldowns()                  {}
func (noopMetrics) IncPersistErrors()              {}
