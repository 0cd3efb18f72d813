// Package pool implements the worker pool: the single owner of worker state,
// quota accounting and cooldown transitions. Every strategy sharing a pool
// goes through the same lock, so the availability check in Reserve and
// NextAvailable and the counter update in RecordOutcome never interleave.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

var (
	// ErrWorkerNotFound is returned for unknown worker ids.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrWorkerUnavailable is returned when a reservation cannot be granted.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrPersistence wraps best-effort persistence failures. The in-memory
	// transition has already been applied when it is returned.
	ErrPersistence = errors.New("worker persistence failed")
)

type timeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Stats aggregates pool state.
type Stats struct {
	Total          int                    `json:"total"`
	ByStatus       map[worker.Status]int  `json:"by_status"`
	AddedToday     int                    `json:"added_today"`
	ExtractedToday int                    `json:"extracted_today"`
	Available      map[worker.Purpose]int `json:"available"`
}

// Pool is the worker pool. It never exposes workers by reference; callers
// receive snapshots.
type Pool struct {
	mu       sync.Mutex
	workers  map[string]*worker.Worker
	byKey    map[string]string
	order    []string
	reserved map[string]map[worker.Purpose]int

	limits       worker.Limits
	repo         Repository
	metrics      Metrics
	timeProvider timeProvider

	logger *logger.Logger
	tracer trace.Tracer
}

// Option configures a Pool.
type Option func(*Pool)

// WithRepository enables best-effort persistence.
func WithRepository(r Repository) Option { return func(p *Pool) { p.repo = r } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(p *Pool) { p.metrics = m } }

// WithTimeProvider overrides the clock.
func WithTimeProvider(tp timeProvider) Option { return func(p *Pool) { p.timeProvider = tp } }

// New creates an empty pool.
func New(limits worker.Limits, log *logger.Logger, tracer trace.Tracer, opts ...Option) *Pool {
	p := &Pool{
		workers:      make(map[string]*worker.Worker),
		byKey:        make(map[string]string),
		reserved:     make(map[string]map[worker.Purpose]int),
		limits:       limits,
		metrics:      noopMetrics{},
		timeProvider: realTimeProvider{},
		logger:       log.With("component", "worker_pool"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Limits returns the configured limits.
func (p *Pool) Limits() worker.Limits { return p.limits }

// Load replaces the pool contents with the repository's workers.
func (p *Pool) Load(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "worker_pool.load")
	defer span.End()

	if p.repo == nil {
		return nil
	}
	snapshots, err := p.repo.LoadAll(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load workers")
		return fmt.Errorf("failed to load workers: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.workers = make(map[string]*worker.Worker, len(snapshots))
	p.byKey = make(map[string]string, len(snapshots))
	p.order = p.order[:0]
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt) })
	for _, s := range snapshots {
		w, err := worker.Reconstruct(s)
		if err != nil {
			p.logger.Warn(ctx, "Skipping invalid worker record", "worker_id", s.ID, "error", err)
			continue
		}
		p.insertLocked(w)
	}
	p.publishStatusLocked()

	span.SetAttributes(attribute.Int("workers", len(p.workers)))
	p.logger.Info(ctx, "Worker pool loaded", "workers", len(p.workers))
	return nil
}

func (p *Pool) insertLocked(w *worker.Worker) {
	p.workers[w.ID()] = w
	p.byKey[w.CredentialKey()] = w.ID()
	p.order = append(p.order, w.ID())
}

// AddWorker registers a credential and returns its worker id. A credential
// whose key is already known returns the existing id.
func (p *Pool) AddWorker(ctx context.Context, cred worker.Credential) (string, error) {
	ctx, span := p.tracer.Start(ctx, "worker_pool.add_worker",
		trace.WithAttributes(attribute.String("credential_handle", cred.Handle)))
	defer span.End()

	if cred.Key == "" {
		err := errors.New("credential key is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	p.mu.Lock()
	if id, ok := p.byKey[cred.Key]; ok {
		p.mu.Unlock()
		span.AddEvent("duplicate_credential")
		return id, nil
	}
	w := worker.New(cred, p.timeProvider.Now())
	p.insertLocked(w)
	snap := w.Snapshot()
	p.publishStatusLocked()
	p.mu.Unlock()

	span.SetAttributes(attribute.String("worker_id", snap.ID))
	p.logger.Info(ctx, "Worker added", "worker_id", snap.ID, "handle", cred.Handle)
	return snap.ID, p.persist(ctx, snap)
}

// Remove deletes a worker from the pool.
func (p *Pool) Remove(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "worker_pool.remove",
		trace.WithAttributes(attribute.String("worker_id", id)))
	defer span.End()

	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	delete(p.workers, id)
	delete(p.byKey, w.CredentialKey())
	delete(p.reserved, id)
	for i, wid := range p.order {
		if wid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.publishStatusLocked()
	p.mu.Unlock()

	if p.repo != nil {
		if err := p.repo.Delete(ctx, id); err != nil {
			p.metrics.IncPersistErrors()
			span.RecordError(err)
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
	}
	return nil
}

// Get returns a snapshot of one worker after lazy rollover.
func (p *Pool) Get(id string) (worker.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return worker.Snapshot{}, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	w.Refresh(p.timeProvider.Now(), p.limits)
	return w.Snapshot(), nil
}

// List returns snapshots in insertion order, filtered by status when given.
func (p *Pool) List(statuses ...worker.Status) []worker.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.timeProvider.Now()
	out := make([]worker.Snapshot, 0, len(p.order))
	for _, id := range p.order {
		w := p.workers[id]
		w.Refresh(now, p.limits)
		if len(statuses) > 0 && !containsStatus(statuses, w.Status()) {
			continue
		}
		out = append(out, w.Snapshot())
	}
	return out
}

func containsStatus(list []worker.Status, s worker.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SelectOption narrows the candidates considered by NextAvailable.
type SelectOption func(*selection)

type selection struct {
	among   map[string]struct{}
	exclude map[string]struct{}
}

// Among restricts selection to the given worker ids.
func Among(ids []string) SelectOption {
	return func(s *selection) {
		s.among = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s.among[id] = struct{}{}
		}
	}
}

// Excluding removes the given worker ids from selection.
func Excluding(ids ...string) SelectOption {
	return func(s *selection) {
		if s.exclude == nil {
			s.exclude = make(map[string]struct{}, len(ids))
		}
		for _, id := range ids {
			s.exclude[id] = struct{}{}
		}
	}
}

// NextAvailable re-validates every worker's cooldown and quota window, then
// returns up to count Active workers with quota left for purpose, least used
// today first. It never blocks and may return fewer than count.
func (p *Pool) NextAvailable(ctx context.Context, count int, purpose worker.Purpose, opts ...SelectOption) []worker.Snapshot {
	_, span := p.tracer.Start(ctx, "worker_pool.next_available",
		trace.WithAttributes(
			attribute.Int("count", count),
			attribute.String("purpose", purpose.String()),
		))
	defer span.End()

	var sel selection
	for _, opt := range opts {
		opt(&sel)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.timeProvider.Now()
	var candidates []*worker.Worker
	changed := false
	for _, id := range p.order {
		w := p.workers[id]
		if w.Refresh(now, p.limits) {
			changed = true
		}
		if sel.among != nil {
			if _, ok := sel.among[id]; !ok {
				continue
			}
		}
		if _, ok := sel.exclude[id]; ok {
			continue
		}
		if p.availableLocked(w, now, purpose) {
			candidates = append(candidates, w)
		}
	}
	if changed {
		p.publishStatusLocked()
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ui, uj := candidates[i].Usage(purpose), candidates[j].Usage(purpose)
		if ui != uj {
			return ui < uj
		}
		return candidates[i].LastUsedAt().Before(candidates[j].LastUsedAt())
	})

	if count < 0 {
		count = 0
	}
	if len(candidates) > count {
		candidates = candidates[:count]
	}

	out := make([]worker.Snapshot, len(candidates))
	for i, w := range candidates {
		out[i] = w.Snapshot()
	}
	span.SetAttributes(attribute.Int("returned", len(out)))
	return out
}

func (p *Pool) availableLocked(w *worker.Worker, now time.Time, purpose worker.Purpose) bool {
	if !w.Available(now, purpose, p.limits) {
		return false
	}
	limit := p.limits.MaxAddsPerDay
	if purpose == worker.PurposeExtract {
		limit = p.limits.MaxExtractionsPerDay
	}
	return w.Usage(purpose)+p.reserved[w.ID()][purpose] < limit
}

// Reserve claims one quota slot of purpose on the worker ahead of a remote
// call. It fails with ErrWorkerUnavailable when the worker is not usable or
// every remaining slot is already claimed. RecordOutcome consumes the claim.
func (p *Pool) Reserve(ctx context.Context, id string, purpose worker.Purpose) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	now := p.timeProvider.Now()
	w.Refresh(now, p.limits)
	if !p.availableLocked(w, now, purpose) {
		return fmt.Errorf("%w: %s (%s)", ErrWorkerUnavailable, id, w.Status())
	}
	if p.reserved[id] == nil {
		p.reserved[id] = make(map[worker.Purpose]int)
	}
	p.reserved[id][purpose]++
	return nil
}

// Release returns an unused reservation.
func (p *Pool) Release(id string, purpose worker.Purpose) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(id, purpose)
}

func (p *Pool) releaseLocked(id string, purpose worker.Purpose) {
	if p.reserved[id][purpose] > 0 {
		p.reserved[id][purpose]--
	}
}

// RecordOutcome applies the result of one operation. Success increments the
// purpose counter, clears the failure streak and flips the worker to
// DailyLimitReached at its limit. Failure increments the streak and moves the
// worker to Cooldown at the configured threshold.
func (p *Pool) RecordOutcome(ctx context.Context, id string, purpose worker.Purpose, success bool) error {
	ctx, span := p.tracer.Start(ctx, "worker_pool.record_outcome",
		trace.WithAttributes(
			attribute.String("worker_id", id),
			attribute.String("purpose", purpose.String()),
			attribute.Bool("success", success),
		))
	defer span.End()

	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		span.RecordError(err)
		span.SetStatus(codes.Error, "worker not found")
		return err
	}

	now := p.timeProvider.Now()
	w.Refresh(now, p.limits)
	p.releaseLocked(id, purpose)

	enteredCooldown := false
	if success {
		w.RecordSuccess(purpose, now, p.limits)
	} else {
		enteredCooldown = w.RecordFailure(now, p.limits)
	}
	snap := w.Snapshot()
	p.publishStatusLocked()
	p.mu.Unlock()

	p.metrics.IncOutcome(purpose.String(), success)
	if enteredCooldown {
		p.metrics.IncCooldowns()
		span.AddEvent("worker_entered_cooldown")
		p.logger.Warn(ctx, "Worker entered cooldown",
			"worker_id", id,
			"failures", snap.FailureCount,
			"cooldown_until", snap.CooldownUntil,
		)
	}
	if snap.Status == worker.StatusDailyLimitReached {
		span.AddEvent("worker_daily_limit_reached")
	}

	return p.persist(ctx, snap)
}

// SetStatus applies an explicit transition. cooldown is only used for
// StatusCooldown; zero means the configured default.
func (p *Pool) SetStatus(ctx context.Context, id string, status worker.Status, cooldown time.Duration) error {
	ctx, span := p.tracer.Start(ctx, "worker_pool.set_status",
		trace.WithAttributes(
			attribute.String("worker_id", id),
			attribute.String("status", status.String()),
		))
	defer span.End()

	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	prev := w.Status()
	if err := w.SetStatus(status, p.timeProvider.Now(), cooldown, p.limits); err != nil {
		p.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid status")
		return err
	}
	snap := w.Snapshot()
	p.publishStatusLocked()
	p.mu.Unlock()

	p.logger.Info(ctx, "Worker status changed", "worker_id", id, "from", prev, "to", snap.Status)
	return p.persist(ctx, snap)
}

// ResetDailyLimits zeroes quota counters of the given workers, or of every
// worker when no id is given, reactivating DailyLimitReached ones.
func (p *Pool) ResetDailyLimits(ctx context.Context, ids ...string) error {
	ctx, span := p.tracer.Start(ctx, "worker_pool.reset_daily_limits",
		trace.WithAttributes(attribute.Int("requested", len(ids))))
	defer span.End()

	p.mu.Lock()
	targets := ids
	if len(targets) == 0 {
		targets = append([]string(nil), p.order...)
	}
	now := p.timeProvider.Now()
	snaps := make([]worker.Snapshot, 0, len(targets))
	for _, id := range targets {
		w, ok := p.workers[id]
		if !ok {
			p.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
		}
		w.ResetDaily(now)
		snaps = append(snaps, w.Snapshot())
	}
	p.publishStatusLocked()
	p.mu.Unlock()

	p.logger.Info(ctx, "Daily limits reset", "workers", len(snaps))

	var errs []error
	for _, s := range snaps {
		if err := p.persist(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.timeProvider.Now()
	st := Stats{
		Total:     len(p.workers),
		ByStatus:  make(map[worker.Status]int),
		Available: make(map[worker.Purpose]int),
	}
	for _, id := range p.order {
		w := p.workers[id]
		w.Refresh(now, p.limits)
		st.ByStatus[w.Status()]++
		st.AddedToday += w.AddedToday()
		st.ExtractedToday += w.ExtractedToday()
		for _, purpose := range []worker.Purpose{worker.PurposeAdd, worker.PurposeExtract} {
			if p.availableLocked(w, now, purpose) {
				st.Available[purpose]++
			}
		}
	}
	return st
}

func (p *Pool) publishStatusLocked() {
	counts := map[worker.Status]int{
		worker.StatusActive:            0,
		worker.StatusCooldown:          0,
		worker.StatusBlocked:           0,
		worker.StatusUnverified:        0,
		worker.StatusDailyLimitReached: 0,
	}
	for _, w := range p.workers {
		counts[w.Status()]++
	}
	for s, n := range counts {
		p.metrics.SetWorkersByStatus(s.String(), n)
	}
}

func (p *Pool) persist(ctx context.Context, s worker.Snapshot) error {
	if p.repo == nil {
		return nil
	}
	if err := p.repo.Save(ctx, s); err != nil {
		p.metrics.IncPersistErrors()
		p.logger.Error(ctx, "Failed to persist worker", "worker_id", s.ID, "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}
