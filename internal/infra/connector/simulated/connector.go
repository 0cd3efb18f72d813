// Package simulated is an in-process Connector for dry runs. Sources hold
// generated entities, calls are paced by a rate limiter and a configurable
// share of transfers fails with the same coded messages a real platform
// returns, so the full error handling path is exercised.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/resilience"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

var (
	// ErrUnknownSource is returned when extracting from an unregistered source.
	ErrUnknownSource = errors.New("unknown source")
	// ErrNotConnected is returned for calls on a session that was closed.
	ErrNotConnected = errors.New("session not connected")
)

// Config tunes the simulation.
type Config struct {
	// SourceSize is the number of entities generated for sources that are
	// not registered explicitly. Zero makes unknown sources an error.
	SourceSize int `yaml:"source_size" mapstructure:"source_size" validate:"gte=0"`
	// RequestsPerSecond paces every remote call; zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" validate:"gte=0"`
	// FailureRate is the probability in [0,1] that a transfer fails.
	FailureRate float64 `yaml:"failure_rate" mapstructure:"failure_rate" validate:"gte=0,lte=1"`
	Seed        uint64  `yaml:"seed" mapstructure:"seed"`
}

// DefaultConfig simulates a small, reliable platform.
func DefaultConfig() Config {
	return Config{SourceSize: 100, RequestsPerSecond: 20, Seed: 1}
}

// failureMessages are drawn from when a transfer is chosen to fail. Their
// weights favor item-level failures over worker-level ones.
var failureMessages = []string{
	"USER_PRIVACY_RESTRICTED",
	"USER_PRIVACY_RESTRICTED",
	"USER_PRIVACY_RESTRICTED",
	"FLOOD_WAIT_5",
	"PEER_FLOOD",
	"USERS_TOO_MUCH",
}

type session struct {
	workerID string
	mu       sync.Mutex
	closed   bool
}

func (s *session) WorkerID() string { return s.workerID }

func (s *session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	return nil
}

var _ transfer.Connector = (*Connector)(nil)

// Connector implements transfer.Connector in memory. It is safe for
// concurrent use.
type Connector struct {
	cfg     Config
	limiter *common.RateLimiter

	mu      sync.Mutex
	rnd     *rand.Rand
	sources map[string][]transfer.Entity
	members map[string]map[string]struct{}

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a simulated connector.
func New(cfg Config, log *logger.Logger, tracer trace.Tracer) *Connector {
	c := &Connector{
		cfg:     cfg,
		rnd:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		sources: make(map[string][]transfer.Entity),
		members: make(map[string]map[string]struct{}),
		logger:  log,
		tracer:  tracer,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = common.NewRateLimiter(cfg.RequestsPerSecond, 1)
	}
	return c
}

// AddSource registers a source with the given entities.
func (c *Connector) AddSource(name string, entities []transfer.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[name] = append([]transfer.Entity(nil), entities...)
}

// Members lists the entity ids transferred into target.
func (c *Connector) Members(target string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.members[target]))
	for id := range c.members[target] {
		out = append(out, id)
	}
	return out
}

func (c *Connector) pace(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

func (c *Connector) Connect(ctx context.Context, w worker.Snapshot) (transfer.ConnectorSession, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	c.logger.Debug(ctx, "Simulated connect", "worker_id", w.ID)
	return &session{workerID: w.ID}, nil
}

func (c *Connector) source(name string) ([]transfer.Entity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entities, ok := c.sources[name]; ok {
		return entities, nil
	}
	if c.cfg.SourceSize <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	entities := make([]transfer.Entity, c.cfg.SourceSize)
	for i := range entities {
		entities[i] = transfer.Entity{
			ID:     fmt.Sprintf("%s-%05d", name, i),
			Handle: fmt.Sprintf("member_%s_%d", name, i),
		}
	}
	c.sources[name] = entities
	return entities, nil
}

func (c *Connector) ExtractBatch(
	ctx context.Context,
	sess transfer.ConnectorSession,
	source string,
	limit, offset int,
) ([]transfer.Entity, error) {
	ctx, span := c.tracer.Start(ctx, "simulated.extract_batch", trace.WithAttributes(
		attribute.String("source", source),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	))
	defer span.End()

	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	if err := sess.(*session).check(); err != nil {
		return nil, err
	}
	entities, err := c.source(source)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if offset >= len(entities) {
		return nil, nil
	}
	end := min(offset+limit, len(entities))
	span.SetAttributes(attribute.Int("returned", end-offset))
	return append([]transfer.Entity(nil), entities[offset:end]...), nil
}

func (c *Connector) Transfer(ctx context.Context, sess transfer.ConnectorSession, e transfer.Entity, target string) error {
	if err := c.pace(ctx); err != nil {
		return err
	}
	if err := sess.(*session).check(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.FailureRate > 0 && c.rnd.Float64() < c.cfg.FailureRate {
		return errors.New(failureMessages[c.rnd.IntN(len(failureMessages))])
	}
	if c.members[target] == nil {
		c.members[target] = make(map[string]struct{})
	}
	c.members[target][e.ID] = struct{}{}
	return nil
}

func (c *Connector) Disconnect(ctx context.Context, sess transfer.ConnectorSession) error {
	s := sess.(*session)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	c.logger.Debug(ctx, "Simulated disconnect", "worker_id", s.workerID)
	return nil
}

// Converter classifies the simulation's own sentinel errors; coded platform
// messages are left to the default pattern rules.
func Converter() resilience.Converter {
	return resilience.ConverterFunc(func(err error) *fault.Error {
		switch {
		case errors.Is(err, ErrUnknownSource):
			return fault.Wrap(fault.KindCollectionNotFound, err)
		case errors.Is(err, ErrNotConnected):
			return fault.Wrap(fault.KindSessionExpired, err)
		}
		return nil
	})
}

// NewConverterChain returns the chain a manager should use with this
// connector.
func NewConverterChain() *resilience.ConverterChain {
	return resilience.NewConverterChain(Converter(), resilience.NewPatternConverter(resilience.DefaultPatternRules()...))
}
