package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/pool"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/resilience"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

// maxInterItemJitter bounds the random part of the pause between items.
const maxInterItemJitter = 5 * time.Second

// WorkItem is one entity queued for transfer to a target.
type WorkItem struct {
	Entity   transfer.Entity `json:"entity"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Attempts int             `json:"attempts"`
}

// sequentialPoint is the recovery point of a sequential run.
type sequentialPoint struct {
	Queue          []WorkItem                    `json:"queue"`
	ProcessedIDs   []string                      `json:"processed_ids"`
	Succeeded      int                           `json:"succeeded"`
	Failed         int                           `json:"failed"`
	CurrentDelayMS int64                         `json:"current_delay_ms"`
	Extracted      bool                          `json:"extracted"`
	WorkerID       string                        `json:"worker_id,omitempty"`
	PerPair        map[string]transfer.PairStats `json:"per_pair,omitempty"`
}

// extractCursor is the mid-extraction checkpoint.
type extractCursor struct {
	SourceIndex int        `json:"source_index"`
	Offset      int        `json:"offset"`
	Queue       []WorkItem `json:"queue"`
}

// Sequential drives one worker at a time through a FIFO queue. Failures go
// through the retry executor; worker-related ones switch to the next
// available worker after AccountChangeDelay.
type Sequential struct {
	control

	deps Deps
	cfg  Config
}

var _ Strategy = (*Sequential)(nil)

// NewSequential creates a sequential strategy.
func NewSequential(deps Deps, cfg Config) (*Sequential, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Sequential{deps: deps, cfg: cfg.withDefaults()}, nil
}

// Execute extracts up to limit entities from the sources, assigns targets
// round-robin and transfers them one by one.
func (s *Sequential) Execute(
	ctx context.Context,
	sources, targets []string,
	limit int,
	progress transfer.ProgressFunc,
) (transfer.Result, error) {
	if err := validateRequest(sources, targets, limit); err != nil {
		return transfer.Result{}, err
	}

	ctx, span := s.deps.Tracer.Start(ctx, "strategy.sequential.execute",
		trace.WithAttributes(
			attribute.Int("sources", len(sources)),
			attribute.Int("targets", len(targets)),
			attribute.Int("limit", limit),
		))
	defer span.End()
	s.reset()

	sess, err := s.deps.Sessions.Create(ctx, string(KindSequential))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create session")
		return transfer.Result{}, fmt.Errorf("failed to create session: %w", err)
	}
	span.SetAttributes(attribute.String("session_id", sess.ID()))

	err = s.deps.Sessions.UpdateState(ctx, sess.ID(), map[string]any{
		"strategy":  string(KindSequential),
		"sources":   sources,
		"targets":   targets,
		"limit":     limit,
		"total":     limit,
		"processed": 0,
		"succeeded": 0,
		"failed":    0,
	}, false)
	if err != nil {
		return transfer.Result{}, fmt.Errorf("failed to initialise session state: %w", err)
	}
	if err := s.deps.Sessions.SetStatus(ctx, sess.ID(), session.StatusRunning, "execution started"); err != nil {
		return transfer.Result{}, err
	}

	return s.newRun(sess.ID(), sources, targets, limit, progress).execute(ctx)
}

// Resume continues a saved sequential session from its recovery point.
// Processed entities are never transferred again.
func (s *Sequential) Resume(ctx context.Context, sessionID string, progress transfer.ProgressFunc) (transfer.Result, error) {
	ctx, span := s.deps.Tracer.Start(ctx, "strategy.sequential.resume",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	s.reset()

	sess, err := s.deps.Sessions.Load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return transfer.Result{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess.Type() != string(KindSequential) {
		return transfer.Result{}, fmt.Errorf("%w: session %s has type %s", ErrSessionMismatch, sessionID, sess.Type())
	}

	state := sess.State()
	sources, targets := session.Strings(state, "sources"), session.Strings(state, "targets")
	limit := session.Int(state, "limit")
	if err := validateRequest(sources, targets, limit); err != nil {
		return transfer.Result{}, fmt.Errorf("%w: %v", ErrSessionMismatch, err)
	}

	run := s.newRun(sessionID, sources, targets, limit, nil)
	if point := sess.RecoveryPoint(); point != nil {
		if err := run.restore(point); err != nil {
			return transfer.Result{}, fmt.Errorf("failed to restore session %s: %w", sessionID, err)
		}
	}
	if err := resumeSession(ctx, s.deps.Sessions, sess); err != nil {
		return transfer.Result{}, err
	}
	run.progress = newProgressTracker(progress, s.cfg.ProgressInterval, s.deps.Clock, run.processedCount())

	s.deps.Logger.Info(ctx, "Resuming sequential session",
		"session_id", sessionID,
		"processed", run.processedCount(),
		"queued", len(run.queue),
	)
	return run.execute(ctx)
}

type sequentialRun struct {
	*Sequential

	sessionID string
	sources   []string
	targets   []string
	limit     int

	queue        []WorkItem
	extracted    bool
	processed    map[string]struct{}
	succeeded    int
	failed       int
	consecutive  int
	currentDelay time.Duration
	perPair      map[string]transfer.PairStats

	current  map[worker.Purpose]*worker.Snapshot
	excluded map[string]struct{}
	conns    *connections
	retry    *resilience.RetryExecutor
	progress *progressTracker

	sinceSave int
	lastSave  time.Time
}

func (s *Sequential) newRun(id string, sources, targets []string, limit int, progress transfer.ProgressFunc) *sequentialRun {
	rc := resilience.RetryConfig{
		MaxRetries:       s.cfg.MaxRetry,
		BaseDelay:        s.cfg.DefaultDelay,
		MaxDelay:         s.cfg.MaxDelay,
		MaxBackoffFactor: 10,
		Jitter:           0.2,
	}
	return &sequentialRun{
		Sequential:   s,
		sessionID:    id,
		sources:      sources,
		targets:      targets,
		limit:        limit,
		processed:    make(map[string]struct{}),
		currentDelay: s.cfg.DefaultDelay,
		perPair:      make(map[string]transfer.PairStats),
		current:      make(map[worker.Purpose]*worker.Snapshot),
		excluded:     make(map[string]struct{}),
		conns:        newConnections(s.deps.Connector),
		retry: resilience.NewRetryExecutor(rc, s.deps.Errors, s.deps.Logger, s.deps.Tracer,
			resilience.WithSleeper(s.deps.Clock.Sleep)),
		progress: newProgressTracker(progress, s.cfg.ProgressInterval, s.deps.Clock, 0),
		lastSave: s.deps.Clock.Now(),
	}
}

func (r *sequentialRun) restore(point map[string]any) error {
	var p sequentialPoint
	if err := decode(point, &p); err != nil {
		return err
	}
	r.queue = p.Queue
	r.extracted = p.Extracted
	r.succeeded, r.failed = p.Succeeded, p.Failed
	for _, id := range p.ProcessedIDs {
		r.processed[id] = struct{}{}
	}
	for key, st := range p.PerPair {
		r.perPair[key] = st
	}
	if p.CurrentDelayMS > 0 {
		r.currentDelay = time.Duration(p.CurrentDelayMS) * time.Millisecond
	}
	return nil
}

func (r *sequentialRun) processedCount() int { return r.succeeded + r.failed }

func (r *sequentialRun) total() int {
	if !r.extracted {
		return r.limit
	}
	return min(r.limit, r.processedCount()+len(r.queue))
}

func (r *sequentialRun) execute(ctx context.Context) (transfer.Result, error) {
	defer r.conns.closeAll(context.WithoutCancel(ctx))

	if !r.extracted {
		if err := r.extract(ctx); err != nil {
			return r.stopOnError(ctx, err)
		}
	}
	return r.loop(ctx)
}

func (r *sequentialRun) extractCheckpointer() *resilience.Checkpointer {
	if r.deps.Checkpoints == nil {
		return nil
	}
	return resilience.NewCheckpointer(r.deps.Checkpoints, "extract-"+r.sessionID, 1)
}

// extract fills the queue. Entities already processed or queued are
// skipped, and each batch is checkpointed so a crash mid-extraction
// continues from the last offset.
func (r *sequentialRun) extract(ctx context.Context) error {
	ctx, span := r.deps.Tracer.Start(ctx, "strategy.sequential.extract")
	defer span.End()

	cp := r.extractCheckpointer()
	var cursor extractCursor
	if cp != nil {
		latest, err := cp.Latest(ctx)
		if err != nil {
			r.deps.Logger.Warn(ctx, "Failed to load extraction checkpoint", "session_id", r.sessionID, "error", err)
		} else if latest != nil {
			if err := decode(latest.Data, &cursor); err != nil {
				return fmt.Errorf("failed to decode extraction checkpoint: %w", err)
			}
			r.queue = cursor.Queue
			span.AddEvent("extraction_checkpoint_loaded", trace.WithAttributes(
				attribute.Int("source_index", cursor.SourceIndex),
				attribute.Int("offset", cursor.Offset),
			))
		}
	}

	seen := make(map[string]struct{}, len(r.processed)+len(r.queue))
	for id := range r.processed {
		seen[id] = struct{}{}
	}
	for _, item := range r.queue {
		seen[item.Entity.ID] = struct{}{}
	}

	want := r.limit - r.processedCount()
	for i := cursor.SourceIndex; i < len(r.sources) && len(r.queue) < want; i++ {
		source := r.sources[i]
		offset := 0
		if i == cursor.SourceIndex {
			offset = cursor.Offset
		}

		for len(r.queue) < want {
			var batch []transfer.Entity
			err := r.call(ctx, worker.PurposeExtract, "sequential.extract", func(ctx context.Context, conn transfer.ConnectorSession) error {
				var err error
				batch, err = r.deps.Connector.ExtractBatch(ctx, conn, source, r.cfg.MaxExtractionBatch, offset)
				return err
			})
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "extraction failed")
				return err
			}
			offset += len(batch)

			fresh := 0
			for _, e := range batch {
				if _, dup := seen[e.ID]; dup {
					continue
				}
				seen[e.ID] = struct{}{}
				r.queue = append(r.queue, WorkItem{
					Entity: e,
					Source: source,
					Target: r.targets[len(r.queue)%len(r.targets)],
				})
				fresh++
				if len(r.queue) >= want {
					break
				}
			}
			r.deps.Metrics.IncExtracted(ctx, KindSequential, fresh)

			if cp != nil {
				idx, off, queue := i, offset, r.queue
				if _, err := cp.Tick(ctx, func() map[string]any {
					m, _ := toMap(extractCursor{SourceIndex: idx, Offset: off, Queue: queue})
					return m
				}); err != nil {
					r.deps.Logger.Warn(ctx, "Failed to save extraction checkpoint", "session_id", r.sessionID, "error", err)
				}
			}

			if len(batch) < r.cfg.MaxExtractionBatch || fresh == 0 {
				break
			}
		}
	}

	r.extracted = true
	for _, item := range r.queue {
		r.bookPair(item, func(st *transfer.PairStats) { st.Extracted++ })
	}
	span.SetAttributes(attribute.Int("queued", len(r.queue)))
	_ = r.deps.Sessions.LogEvent(ctx, r.sessionID, "extraction_completed",
		fmt.Sprintf("extracted %d entities", len(r.queue)), map[string]any{"queued": len(r.queue)})
	if err := r.save(ctx); err != nil {
		return err
	}
	if cp != nil {
		if err := cp.Clear(ctx); err != nil {
			r.deps.Logger.Warn(ctx, "Failed to clear extraction checkpoint", "session_id", r.sessionID, "error", err)
		}
	}
	return nil
}

func (r *sequentialRun) loop(ctx context.Context) (transfer.Result, error) {
	for {
		switch r.take() {
		case signalPause:
			return r.finish(ctx, session.StatusPaused, transfer.StopPaused, "pause requested"), nil
		case signalStop:
			return r.finish(ctx, session.StatusInterrupted, transfer.StopRequested, "stop requested"), nil
		}
		if err := ctx.Err(); err != nil {
			return r.stopOnError(ctx, err)
		}
		if r.processedCount() >= r.limit {
			return r.finish(ctx, session.StatusCompleted, transfer.StopLimitReached, "limit reached"), nil
		}
		if len(r.queue) == 0 {
			return r.finish(ctx, session.StatusCompleted, transfer.StopExhausted, "queue drained"), nil
		}

		item := &r.queue[0]
		err := r.call(ctx, worker.PurposeAdd, "sequential.transfer", func(ctx context.Context, conn transfer.ConnectorSession) error {
			item.Attempts++
			return r.deps.Connector.Transfer(ctx, conn, item.Entity, item.Target)
		})

		if err == nil {
			r.complete(ctx, true)
		} else {
			if errors.Is(err, ErrNoWorkers) || ctx.Err() != nil {
				return r.stopOnError(ctx, err)
			}
			dec := r.deps.Errors.Decide(r.deps.Errors.Classify(err))
			if dec.Abort {
				return r.stopOnError(ctx, err)
			}
			r.deps.Logger.Warn(ctx, "Item failed permanently",
				"session_id", r.sessionID,
				"entity_id", item.Entity.ID,
				"target", item.Target,
				"attempts", item.Attempts,
				"error", err,
			)
			r.complete(ctx, false)
			if dec.Retry {
				r.currentDelay = min(r.currentDelay*2, r.cfg.MaxDelay)
			}
			if r.consecutive >= r.cfg.MaxConsecutiveErrors {
				msg := fmt.Sprintf("%d consecutive failures", r.consecutive)
				return r.finish(ctx, session.StatusPaused, transfer.StopPaused, msg), nil
			}
		}

		r.maybeSave(ctx)
		r.report(false)

		if len(r.queue) > 0 && r.processedCount() < r.limit {
			d := r.interItemDelay()
			r.deps.Metrics.ObserveDelay(ctx, KindSequential, d)
			if err := r.deps.Clock.Sleep(ctx, d); err != nil {
				return r.stopOnError(ctx, err)
			}
		}
	}
}

// complete pops the head of the queue and books its outcome.
func (r *sequentialRun) complete(ctx context.Context, success bool) {
	item := r.queue[0]
	r.queue = r.queue[1:]
	r.processed[item.Entity.ID] = struct{}{}
	r.sinceSave++
	r.deps.Metrics.IncTransfers(ctx, KindSequential, success)
	r.bookPair(item, func(st *transfer.PairStats) {
		st.Processed++
		if success {
			st.Succeeded++
		} else {
			st.Failed++
		}
	})
	if success {
		r.succeeded++
		r.consecutive = 0
		r.currentDelay = r.cfg.DefaultDelay
		return
	}
	r.failed++
	r.consecutive++
}

// bookPair applies fn to the counters of the item's source/target pair.
func (r *sequentialRun) bookPair(item WorkItem, fn func(*transfer.PairStats)) {
	key := transfer.PairKey(item.Source, item.Target)
	st, ok := r.perPair[key]
	if !ok {
		st = transfer.PairStats{Source: item.Source, Target: item.Target}
	}
	fn(&st)
	r.perPair[key] = st
}

func (r *sequentialRun) interItemDelay() time.Duration {
	d := r.currentDelay
	bound := min(maxInterItemJitter, d/10)
	if bound > 0 {
		d += time.Duration(rand.Int64N(int64(bound)))
	}
	return d
}

// call runs fn on the sticky worker for purpose under the retry executor,
// switching workers when a failure calls for it.
func (r *sequentialRun) call(
	ctx context.Context,
	purpose worker.Purpose,
	name string,
	fn func(ctx context.Context, conn transfer.ConnectorSession) error,
) error {
	if r.current[purpose] == nil {
		if err := r.acquire(ctx, purpose); err != nil {
			return err
		}
	}

	op := func(ctx context.Context) error {
		w := r.current[purpose]
		if err := r.deps.Pool.Reserve(ctx, w.ID, purpose); err != nil {
			if errors.Is(err, pool.ErrWorkerNotFound) {
				return fault.Wrap(fault.KindWorkerNotFound, err)
			}
			return fault.Wrap(fault.KindWorkerLimitReached, err)
		}
		conn, err := r.conns.get(ctx, *w)
		if err == nil {
			err = fn(ctx, conn)
		}
		r.deps.recordOutcome(ctx, w.ID, purpose, err)
		return err
	}

	hook := func(ctx context.Context, a resilience.Attempt) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		w := r.current[purpose]
		r.deps.recordFault(ctx, r.sessionID, w.ID, a.Fault, a.Decision)
		if !a.Decision.SwitchWorker {
			return nil
		}
		return r.switchWorker(ctx, purpose, a.Fault, a.Decision)
	}

	return r.retry.DoWithHook(ctx, name, op, hook)
}

func (r *sequentialRun) acquire(ctx context.Context, purpose worker.Purpose) error {
	excluded := make([]string, 0, len(r.excluded))
	for id := range r.excluded {
		excluded = append(excluded, id)
	}
	ws := r.deps.Pool.NextAvailable(ctx, 1, purpose, pool.Excluding(excluded...))
	if len(ws) == 0 {
		return ErrNoWorkers
	}
	r.current[purpose] = &ws[0]
	return nil
}

// switchWorker retires the current worker and, unless the failure aborts
// the run, waits AccountChangeDelay and picks the next one.
func (r *sequentialRun) switchWorker(ctx context.Context, purpose worker.Purpose, fe *fault.Error, dec fault.Decision) error {
	old := r.current[purpose]
	r.current[purpose] = nil
	if !r.deps.retireWorker(ctx, old.ID, fe, dec) {
		r.excluded[old.ID] = struct{}{}
	}
	if other := r.current[otherPurpose(purpose)]; other == nil || other.ID != old.ID {
		r.conns.drop(ctx, old.ID)
	}
	r.deps.Metrics.IncWorkerSwitches(ctx, KindSequential)
	_ = r.deps.Sessions.LogEvent(ctx, r.sessionID, "worker_switch",
		fmt.Sprintf("switching away from worker %s: %s", old.ID, fe.Kind),
		map[string]any{"worker_id": old.ID, "kind": fe.Kind.String(), "purpose": purpose.String()})

	if dec.Abort {
		return nil
	}
	if err := r.deps.Clock.Sleep(ctx, r.cfg.AccountChangeDelay); err != nil {
		return err
	}
	return r.acquire(ctx, purpose)
}

func otherPurpose(p worker.Purpose) worker.Purpose {
	if p == worker.PurposeAdd {
		return worker.PurposeExtract
	}
	return worker.PurposeAdd
}

func (r *sequentialRun) maybeSave(ctx context.Context) {
	if r.sinceSave < r.cfg.BatchSaveSize && r.deps.Clock.Now().Sub(r.lastSave) < r.cfg.BatchSaveInterval {
		return
	}
	if err := r.save(ctx); err != nil {
		r.deps.Logger.Warn(ctx, "Failed to save progress", "session_id", r.sessionID, "error", err)
	}
}

// save writes the counters to the session state and the queue to the
// recovery point.
func (r *sequentialRun) save(ctx context.Context) error {
	err := r.deps.Sessions.UpdateState(ctx, r.sessionID, map[string]any{
		"total":     r.total(),
		"processed": r.processedCount(),
		"succeeded": r.succeeded,
		"failed":    r.failed,
		"queued":    len(r.queue),
	}, false)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	ids := make([]string, 0, len(r.processed))
	for id := range r.processed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	p := sequentialPoint{
		Queue:          r.queue,
		ProcessedIDs:   ids,
		Succeeded:      r.succeeded,
		Failed:         r.failed,
		CurrentDelayMS: r.currentDelay.Milliseconds(),
		Extracted:      r.extracted,
		PerPair:        r.perPair,
	}
	if w := r.current[worker.PurposeAdd]; w != nil {
		p.WorkerID = w.ID
	}
	point, err := toMap(p)
	if err != nil {
		return fmt.Errorf("failed to encode recovery point: %w", err)
	}
	if err := r.deps.Sessions.SetRecoveryPoint(ctx, r.sessionID, point); err != nil {
		return fmt.Errorf("failed to set recovery point: %w", err)
	}

	r.sinceSave = 0
	r.lastSave = r.deps.Clock.Now()
	return nil
}

func (r *sequentialRun) report(force bool) {
	p := transfer.Progress{
		SessionID: r.sessionID,
		Processed: r.processedCount(),
		Total:     r.total(),
		Succeeded: r.succeeded,
		Failed:    r.failed,
	}
	if w := r.current[worker.PurposeAdd]; w != nil {
		p.CurrentWorker = w.ID
	}
	r.progress.report(p, force)
}

// stopOnError maps a run-ending error onto the session status: no workers
// pauses, cancellation interrupts and anything else fails the session.
func (r *sequentialRun) stopOnError(ctx context.Context, err error) (transfer.Result, error) {
	switch {
	case errors.Is(err, ErrNoWorkers):
		return r.finish(ctx, session.StatusPaused, transfer.StopNoWorkers, "no workers available"), err
	case ctx.Err() != nil:
		return r.finish(ctx, session.StatusInterrupted, transfer.StopCanceled, "context canceled"), ctx.Err()
	}
	return r.finish(ctx, session.StatusFailed, transfer.StopAborted, err.Error()), err
}

func (r *sequentialRun) finish(ctx context.Context, status session.Status, reason transfer.StopReason, msg string) transfer.Result {
	ctx = context.WithoutCancel(ctx)
	r.conns.closeAll(ctx)

	if err := r.save(ctx); err != nil {
		r.deps.Logger.Warn(ctx, "Failed to save final progress", "session_id", r.sessionID, "error", err)
	}
	if total := r.processedCount(); total > 0 {
		_ = r.deps.Sessions.RecordMetric(ctx, r.sessionID, "success_rate",
			float64(r.succeeded)/float64(total)*100, "transfer")
	}
	if status == session.StatusCompleted {
		_ = r.deps.Sessions.ClearRecoveryPoint(ctx, r.sessionID)
	}
	if err := r.deps.Sessions.SetStatus(ctx, r.sessionID, status, msg); err != nil {
		r.deps.Logger.Error(ctx, "Failed to set final session status",
			"session_id", r.sessionID,
			"status", status,
			"error", err,
		)
	}
	r.report(true)

	res := transfer.Result{
		SessionID:  r.sessionID,
		Processed:  r.processedCount(),
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		PerPair:    make(map[string]transfer.PairStats, len(r.perPair)),
		StopReason: reason,
	}
	for key, st := range r.perPair {
		res.PerPair[key] = st
	}
	r.deps.Logger.Info(ctx, "Sequential run finished",
		"session_id", r.sessionID,
		"stop_reason", reason,
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res
}
