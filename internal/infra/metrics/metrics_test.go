package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPool(reg)

	m.SetWorkersByStatus("active", 3)
	m.SetWorkersByStatus("active", 2)
	m.IncOutcome("add", true)
	m.IncOutcome("add", true)
	m.IncOutcome("extract", false)
	m.IncCooldowns()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.WorkersByStatus.WithLabelValues("active")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Outcomes.WithLabelValues("add", "true")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Outcomes.WithLabelValues("extract", "false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Cooldowns))
	assert.Zero(t, testutil.ToFloat64(m.PersistErrors))
}

func TestSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSessions(reg)

	m.SetCachedSessions(4)
	m.IncEvictions()
	m.IncSaves()
	m.IncSaves()
	m.AddArchived(3)

	assert.Equal(t, float64(4), testutil.ToFloat64(m.Cached))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Saves))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.Archived))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "adder_sessions_cached")
	assert.Contains(t, names, "adder_sessions_archived_total")
}

func TestRegisteringTwicePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPool(reg)
	assert.Panics(t, func() { NewPool(reg) })
}
