package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Manager classifies errors and decides what to do about them, keeping
// statistics as it goes.
type Manager struct {
	converter    Converter
	chain        *HandlerChain
	stats        *ErrorStats
	timeProvider timeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConverter replaces the default converter chain.
func WithConverter(c Converter) ManagerOption { return func(m *Manager) { m.converter = c } }

// WithHandlerChain replaces the default policy chain.
func WithHandlerChain(c *HandlerChain) ManagerOption { return func(m *Manager) { m.chain = c } }

// WithErrorStats shares a stats collector.
func WithErrorStats(s *ErrorStats) ManagerOption { return func(m *Manager) { m.stats = s } }

// WithClock overrides the clock used for error timestamps.
func WithClock(tp timeProvider) ManagerOption { return func(m *Manager) { m.timeProvider = tp } }

// NewManager creates a manager using the default pattern rules and policy
// table unless overridden.
func NewManager(log *logger.Logger, tracer trace.Tracer, opts ...ManagerOption) *Manager {
	m := &Manager{
		converter:    NewConverterChain(NewPatternConverter(DefaultPatternRules()...)),
		chain:        DefaultHandlerChain(),
		stats:        NewErrorStats(DefaultRecentErrors),
		timeProvider: realTimeProvider{},
		logger:       log,
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Classify converts err without recording it.
func (m *Manager) Classify(err error) *fault.Error { return m.converter.Convert(err) }

// Decide returns the decision for an already classified error.
func (m *Manager) Decide(fe *fault.Error) fault.Decision { return m.chain.Decide(fe) }

// Handle classifies err, decides on it and records the outcome.
func (m *Manager) Handle(ctx context.Context, err error) (*fault.Error, fault.Decision) {
	fe := m.converter.Convert(err)
	if fe == nil {
		return nil, fault.Decision{}
	}
	d := m.chain.Decide(fe)

	m.stats.Record(ErrorRecord{
		Timestamp: m.timeProvider.Now(),
		Kind:      fe.Kind,
		Message:   fe.Message,
		Decision:  d,
	})

	span := trace.SpanFromContext(ctx)
	span.AddEvent("error_classified", trace.WithAttributes(
		attribute.String("error_kind", fe.Kind.String()),
		attribute.Bool("retry", d.Retry),
		attribute.Bool("switch_worker", d.SwitchWorker),
		attribute.Bool("abort", d.Abort),
		attribute.Int("cooldown_seconds", d.CooldownSeconds),
	))

	if d.Abort {
		m.logger.Error(ctx, d.HumanMessage, "error_kind", fe.Kind, "error", fe.Message)
	} else {
		m.logger.Warn(ctx, d.HumanMessage, "error_kind", fe.Kind, "error", fe.Message)
	}
	return fe, d
}

// Stats returns the aggregate error statistics.
func (m *Manager) Stats() StatsSnapshot { return m.stats.Snapshot() }

// RecentErrors returns up to n recent errors.
func (m *Manager) RecentErrors(n int) []ErrorRecord { return m.stats.Recent(n) }

// ResetStats clears the statistics.
func (m *Manager) ResetStats() { m.stats.Reset() }
