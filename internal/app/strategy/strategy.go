// Package strategy schedules member transfers across the worker pool. A
// strategy pulls workers from the pool, moves entities through an injected
// connector, hands failures to the resilience manager and checkpoints its
// progress in the session store so an interrupted run can be resumed.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/pool"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/resilience"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/sessions"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

// Kind names a strategy implementation.
type Kind string

const (
	KindSequential  Kind = "sequential"
	KindDistributed Kind = "distributed"
)

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSequential, KindDistributed:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

var (
	// ErrNoWorkers is reported when the pool has no usable worker left.
	ErrNoWorkers = errors.New("no workers available")
	// ErrStopped is returned when a stop signal ended the run.
	ErrStopped = errors.New("strategy stopped")
	// ErrUnknownStrategy is returned by New for unknown kinds.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrInvalidRequest is returned for empty source or target sets or a
	// non-positive limit.
	ErrInvalidRequest = errors.New("invalid transfer request")
	// ErrSessionMismatch is returned when resuming a session created by a
	// different strategy or one that already finished.
	ErrSessionMismatch = errors.New("session cannot be resumed by this strategy")
)

// Strategy is the contract shared by every scheduling strategy.
type Strategy interface {
	// Execute transfers up to limit entities from the sources to the targets.
	Execute(ctx context.Context, sources, targets []string, limit int, progress transfer.ProgressFunc) (transfer.Result, error)
	// Resume continues a saved session.
	Resume(ctx context.Context, sessionID string, progress transfer.ProgressFunc) (transfer.Result, error)
	// Pause asks the running operation to checkpoint and pause.
	Pause()
	// Stop asks the running operation to checkpoint and stop.
	Stop()
}

// Clock provides time, cooperative sleeps and tickers for background loops.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

type realTicker struct{ t *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.t.C }
func (t realTicker) Stop()               { t.t.Stop() }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Deps are the collaborators shared by strategies.
type Deps struct {
	Pool        *pool.Pool
	Sessions    *sessions.Store
	Connector   transfer.Connector
	Errors      *resilience.Manager
	Checkpoints storage.CheckpointStorage
	Metrics     Metrics
	Clock       Clock

	Logger *logger.Logger
	Tracer trace.Tracer
}

func (d *Deps) validate() error {
	switch {
	case d.Pool == nil:
		return errors.New("strategy requires a worker pool")
	case d.Sessions == nil:
		return errors.New("strategy requires a session store")
	case d.Connector == nil:
		return errors.New("strategy requires a connector")
	case d.Errors == nil:
		return errors.New("strategy requires an error manager")
	case d.Logger == nil || d.Tracer == nil:
		return errors.New("strategy requires a logger and a tracer")
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = realClock{}
	}
	return nil
}

// New returns the strategy of the given kind.
func New(kind Kind, deps Deps, cfg Config) (Strategy, error) {
	switch kind {
	case KindSequential:
		return NewSequential(deps, cfg)
	case KindDistributed:
		return NewDistributed(deps, cfg)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, kind)
}

type signal int32

const (
	signalNone signal = iota
	signalPause
	signalStop
)

// control carries external pause and stop requests to the run loop, which
// observes them at the top of each iteration.
type control struct {
	sig atomic.Int32
}

func (c *control) Pause() { c.sig.CompareAndSwap(int32(signalNone), int32(signalPause)) }
func (c *control) Stop()  { c.sig.Store(int32(signalStop)) }

func (c *control) take() signal { return signal(c.sig.Swap(int32(signalNone))) }

func (c *control) reset() { c.sig.Store(int32(signalNone)) }

// decode converts a normalized session value back into a typed value.
func decode(v any, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// toMap converts a typed value into the map form sessions store.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// resumeSession walks a saved session back to Running through the
// transitions its status allows.
func resumeSession(ctx context.Context, store *sessions.Store, sess *session.Session) error {
	var path []session.Status
	switch sess.Status() {
	case session.StatusCompleted:
		return fmt.Errorf("%w: session %s already completed", ErrSessionMismatch, sess.ID())
	case session.StatusCreated, session.StatusRecovered:
		path = []session.Status{session.StatusRunning}
	case session.StatusRunning:
		// A Running session on load means the previous process died mid-run.
		path = []session.Status{session.StatusInterrupted, session.StatusRecovered, session.StatusRunning}
	default:
		path = []session.Status{session.StatusRecovered, session.StatusRunning}
	}
	for _, st := range path {
		if err := store.SetStatus(ctx, sess.ID(), st, "resuming"); err != nil {
			return fmt.Errorf("failed to move session %s to %s: %w", sess.ID(), st, err)
		}
	}
	return nil
}

func validateRequest(sources, targets []string, limit int) error {
	if len(sources) == 0 || len(targets) == 0 {
		return fmt.Errorf("%w: sources and targets are required", ErrInvalidRequest)
	}
	if limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidRequest)
	}
	return nil
}
