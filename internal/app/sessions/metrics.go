package sessions

// Metrics receives session store observations.
type Metrics interface {
	SetCachedSessions(n int)
	IncEvictions()
	IncSaves()
	IncSaveErrors()
	AddArchived(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetCachedSessions(int) {}
func (noopMetrics) IncEvictions()         {}
func (noopMetrics) IncSaves()             {}
func (noopMetrics) IncSaveErrors()        {}
func (noopMetrics) AddArchived(int)       {}
