// Package metrics implements the pool and session store metric interfaces
// with Prometheus collectors.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/pool"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/sessions"
)

const namespace = "adder"

var (
	_ pool.Metrics     = (*Pool)(nil)
	_ sessions.Metrics = (*Sessions)(nil)
)

// Pool implements pool.Metrics.
type Pool struct {
	WorkersByStatus *prometheus.GaugeVec   // labels: status
	Outcomes        *prometheus.CounterVec // labels: purpose, success
	Cooldowns       prometheus.Counter
	PersistErrors   prometheus.Counter
}

// NewPool registers the pool collectors on reg.
func NewPool(reg prometheus.Registerer) *Pool {
	f := promauto.With(reg)
	return &Pool{
		WorkersByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "workers",
			Help:      "Number of workers per status",
		}, []string{"status"}),
		Outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "outcomes_total",
			Help:      "Worker operation outcomes by purpose",
		}, []string{"purpose", "success"}),
		Cooldowns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "cooldowns_total",
			Help:      "Times a worker entered cooldown after repeated failures",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "persist_errors_total",
			Help:      "Failed attempts to persist worker state",
		}),
	}
}

func (m *Pool) SetWorkersByStatus(status string, n int) {
	m.WorkersByStatus.WithLabelValues(status).Set(float64(n))
}

func (m *Pool) IncOutcome(purpose string, success bool) {
	m.Outcomes.WithLabelValues(purpose, strconv.FormatBool(success)).Inc()
}

func (m *Pool) IncCooldowns()     { m.Cooldowns.Inc() }
func (m *Pool) IncPersistErrors() { m.PersistErrors.Inc() }

// Sessions implements sessions.Metrics.
type Sessions struct {
	Cached     prometheus.Gauge
	Evictions  prometheus.Counter
	Saves      prometheus.Counter
	SaveErrors prometheus.Counter
	Archived   prometheus.Counter
}

// NewSessions registers the session store collectors on reg.
func NewSessions(reg prometheus.Registerer) *Sessions {
	f := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "sessions", Name: name, Help: help}
	}
	return &Sessions{
		Cached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "cached",
			Help:      "Sessions held in the in-memory cache",
		}),
		Evictions:  f.NewCounter(opts("evictions_total", "Sessions evicted from the cache")),
		Saves:      f.NewCounter(opts("saves_total", "Sessions written to the document store")),
		SaveErrors: f.NewCounter(opts("save_errors_total", "Failed session writes")),
		Archived:   f.NewCounter(opts("archived_total", "Sessions moved to the archive")),
	}
}

func (m *Sessions) SetCachedSessions(n int) { m.Cached.Set(float64(n)) }
func (m *Sessions) IncEvictions()           { m.Evictions.Inc() }
func (m *Sessions) IncSaves()               { m.Saves.Inc() }
func (m *Sessions) IncSaveErrors()          { m.SaveErrors.Inc() }
func (m *Sessions) AddArchived(n int)       { m.Archived.Add(float64(n)) }
