package strategy

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/pool"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/resilience"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

// recentOutcomes is the window of the rolling success rate feeding the
// adaptive delay.
const recentOutcomes = 50

// errNotReserved marks a call that never ran because the pool refused the
// reservation, typically after another run took the worker's last slot.
var errNotReserved = errors.New("worker reservation refused")

// PairSpec names one source/target pairing and its scheduling priority.
// Higher priorities are served first.
type PairSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	Priority int    `json:"priority"`
}

type distributedPoint struct {
	Pairs     []transfer.PairState `json:"pairs"`
	Seen      []string             `json:"seen"`
	Rotation  int                  `json:"rotation"`
	Cursor    int                  `json:"cursor"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
}

// Distributed spreads transfers over many source/target pairs and over
// worker groups scheduled into the 4-hour slots of the day. Pairs that keep
// failing are quarantined and retried after ReactivationTimeout.
type Distributed struct {
	control

	deps Deps
	cfg  Config
	rnd  func() float64
}

var _ Strategy = (*Distributed)(nil)

// NewDistributed creates a distributed strategy.
func NewDistributed(deps Deps, cfg Config) (*Distributed, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Distributed{deps: deps, cfg: cfg.withDefaults(), rnd: rand.Float64}, nil
}

// Execute pairs every source with every target at equal priority.
func (d *Distributed) Execute(
	ctx context.Context,
	sources, targets []string,
	limit int,
	progress transfer.ProgressFunc,
) (transfer.Result, error) {
	if err := validateRequest(sources, targets, limit); err != nil {
		return transfer.Result{}, err
	}
	specs := make([]PairSpec, 0, len(sources)*len(targets))
	for _, src := range sources {
		for _, dst := range targets {
			specs = append(specs, PairSpec{Source: src, Target: dst})
		}
	}
	return d.ExecutePairs(ctx, specs, limit, progress)
}

// ExecutePairs runs the given pairs until limit entities were processed,
// every pair ran dry or a signal ends the run.
func (d *Distributed) ExecutePairs(
	ctx context.Context,
	specs []PairSpec,
	limit int,
	progress transfer.ProgressFunc,
) (transfer.Result, error) {
	if len(specs) == 0 {
		return transfer.Result{}, fmt.Errorf("%w: at least one pair is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		return transfer.Result{}, fmt.Errorf("%w: limit must be positive", ErrInvalidRequest)
	}

	ctx, span := d.deps.Tracer.Start(ctx, "strategy.distributed.execute",
		trace.WithAttributes(
			attribute.Int("pairs", len(specs)),
			attribute.Int("limit", limit),
		))
	defer span.End()
	d.reset()

	pairs := make([]*transfer.GroupPair, 0, len(specs))
	known := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Source == "" || spec.Target == "" {
			return transfer.Result{}, fmt.Errorf("%w: pair with empty source or target", ErrInvalidRequest)
		}
		p := transfer.NewGroupPair(spec.Source, spec.Target, spec.Priority)
		if _, dup := known[p.Key()]; dup {
			continue
		}
		known[p.Key()] = struct{}{}
		pairs = append(pairs, p)
	}

	sess, err := d.deps.Sessions.Create(ctx, string(KindDistributed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create session")
		return transfer.Result{}, fmt.Errorf("failed to create session: %w", err)
	}
	span.SetAttributes(attribute.String("session_id", sess.ID()))

	err = d.deps.Sessions.UpdateState(ctx, sess.ID(), map[string]any{
		"strategy":  string(KindDistributed),
		"pairs":     specs,
		"limit":     limit,
		"total":     limit,
		"processed": 0,
		"succeeded": 0,
		"failed":    0,
	}, false)
	if err != nil {
		return transfer.Result{}, fmt.Errorf("failed to initialise session state: %w", err)
	}
	if err := d.deps.Sessions.SetStatus(ctx, sess.ID(), session.StatusRunning, "execution started"); err != nil {
		return transfer.Result{}, err
	}

	run := d.newRun(sess.ID(), limit, pairs, progress)
	return run.execute(ctx)
}

// Resume rebuilds every pair and the seen-set from the recovery point.
// Cached entities are transferred without extracting them again and seen
// entities are never transferred twice.
func (d *Distributed) Resume(ctx context.Context, sessionID string, progress transfer.ProgressFunc) (transfer.Result, error) {
	ctx, span := d.deps.Tracer.Start(ctx, "strategy.distributed.resume",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()
	d.reset()

	sess, err := d.deps.Sessions.Load(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		return transfer.Result{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if sess.Type() != string(KindDistributed) {
		return transfer.Result{}, fmt.Errorf("%w: session %s has type %s", ErrSessionMismatch, sessionID, sess.Type())
	}

	state := sess.State()
	limit := session.Int(state, "limit")
	var specs []PairSpec
	if err := decode(state["pairs"], &specs); err != nil {
		return transfer.Result{}, fmt.Errorf("%w: unreadable pairs: %v", ErrSessionMismatch, err)
	}
	if len(specs) == 0 || limit <= 0 {
		return transfer.Result{}, fmt.Errorf("%w: session %s has no pairs or limit", ErrSessionMismatch, sessionID)
	}

	var point distributedPoint
	if rp := sess.RecoveryPoint(); rp != nil {
		if err := decode(rp, &point); err != nil {
			return transfer.Result{}, fmt.Errorf("failed to restore session %s: %w", sessionID, err)
		}
	}

	var pairs []*transfer.GroupPair
	if len(point.Pairs) > 0 {
		for _, ps := range point.Pairs {
			pairs = append(pairs, transfer.ReconstructGroupPair(ps))
		}
	} else {
		for _, spec := range specs {
			pairs = append(pairs, transfer.NewGroupPair(spec.Source, spec.Target, spec.Priority))
		}
	}

	if err := resumeSession(ctx, d.deps.Sessions, sess); err != nil {
		return transfer.Result{}, err
	}

	run := d.newRun(sessionID, limit, pairs, nil)
	for _, key := range point.Seen {
		run.seen[key] = struct{}{}
	}
	run.succeeded, run.failed = point.Succeeded, point.Failed
	run.rotation, run.cursor = point.Rotation, point.Cursor
	run.progress = newProgressTracker(progress, d.cfg.ProgressInterval, d.deps.Clock, run.processedCount())

	d.deps.Logger.Info(ctx, "Resuming distributed session",
		"session_id", sessionID,
		"pairs", len(pairs),
		"seen", len(run.seen),
		"processed", run.processedCount(),
	)
	return run.execute(ctx)
}

type distributedRun struct {
	*Distributed

	sessionID string
	limit     int
	pairs     []*transfer.GroupPair
	groups    []*transfer.WorkerGroup
	groupOf   map[string]*transfer.WorkerGroup

	mu            sync.Mutex
	activeWorkers []string
	refreshedAt   time.Time

	// seen holds target/entity keys that reached a final outcome; claimed
	// holds the ones sitting in some pair's cache.
	seen      map[string]struct{}
	claimed   map[string]struct{}
	attempts  map[string]int
	benched   map[string]struct{}
	resting   map[string]time.Time
	succeeded int
	failed    int
	recent    []bool

	cursor       int
	rotation     int
	lastRotation time.Time
	rotations    *resilience.Checkpointer

	conns      *connections
	lastWorker string
	progress   *progressTracker
	sinceSave  int
	lastSave   time.Time
}

func (d *Distributed) newRun(id string, limit int, pairs []*transfer.GroupPair, progress transfer.ProgressFunc) *distributedRun {
	now := d.deps.Clock.Now()
	r := &distributedRun{
		Distributed:  d,
		sessionID:    id,
		limit:        limit,
		pairs:        pairs,
		groupOf:      make(map[string]*transfer.WorkerGroup),
		seen:         make(map[string]struct{}),
		claimed:      make(map[string]struct{}),
		attempts:     make(map[string]int),
		benched:      make(map[string]struct{}),
		resting:      make(map[string]time.Time),
		lastRotation: now,
		conns:        newConnections(d.deps.Connector),
		progress:     newProgressTracker(progress, d.cfg.ProgressInterval, d.deps.Clock, 0),
		lastSave:     now,
	}
	for _, p := range pairs {
		for _, e := range p.State().Cache {
			r.claimed[seenKey(p.Target(), e.ID)] = struct{}{}
		}
	}
	if d.deps.Checkpoints != nil {
		r.rotations = resilience.NewCheckpointer(d.deps.Checkpoints, "rotation-"+id, 1)
	}
	return r
}

func seenKey(target, entityID string) string { return target + "/" + entityID }

func (r *distributedRun) processedCount() int { return r.succeeded + r.failed }

func (r *distributedRun) execute(ctx context.Context) (transfer.Result, error) {
	defer r.conns.closeAll(context.WithoutCancel(ctx))

	r.planGroups(ctx)
	r.refreshGroups(r.deps.Clock.Now())

	monitorCtx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		r.monitor(monitorCtx)
		return nil
	})

	res, err := r.loop(ctx)
	cancel()
	_ = g.Wait()
	return res, err
}

// planGroups partitions the pool into worker groups and spreads them over
// the day's slots.
func (r *distributedRun) planGroups(ctx context.Context) {
	var ids []string
	for _, w := range r.deps.Pool.List() {
		ids = append(ids, w.ID)
	}
	r.groups = transfer.PlanGroups(ids, r.cfg.AccountsPerGroup)
	for _, g := range r.groups {
		for _, id := range g.WorkerIDs() {
			r.groupOf[id] = g
		}
		windows := make([]string, 0, len(g.Windows()))
		for _, w := range g.Windows() {
			windows = append(windows, w.String())
		}
		r.deps.Logger.Debug(ctx, "Worker group planned",
			"session_id", r.sessionID,
			"group_id", g.ID(),
			"workers", len(g.WorkerIDs()),
			"windows", windows,
		)
	}
}

// refreshGroups recomputes which workers belong to a group inside its slot.
func (r *distributedRun) refreshGroups(now time.Time) {
	var active []string
	for _, g := range r.groups {
		if g.ActiveAt(now) {
			active = append(active, g.WorkerIDs()...)
		}
	}
	r.mu.Lock()
	r.activeWorkers = active
	r.refreshedAt = now
	r.mu.Unlock()
}

func (r *distributedRun) activeWorkerIDs(now time.Time) []string {
	r.mu.Lock()
	stale := now.Sub(r.refreshedAt) >= r.cfg.MonitorInterval || now.Before(r.refreshedAt)
	r.mu.Unlock()
	if stale {
		r.refreshGroups(now)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.activeWorkers...)
}

// monitor keeps group windows and pair quarantines current independently of
// the transfer loop.
func (r *distributedRun) monitor(ctx context.Context) {
	ticker := r.deps.Clock.NewTicker(r.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			now := r.deps.Clock.Now()
			r.refreshGroups(now)
			r.reactivatePairs(ctx, now)
		}
	}
}

func (r *distributedRun) reactivatePairs(ctx context.Context, now time.Time) {
	for _, p := range r.pairs {
		if !p.TryReactivate(now, r.cfg.ReactivationTimeout) {
			continue
		}
		trace.SpanFromContext(ctx).AddEvent("pair_reactivated",
			trace.WithAttributes(attribute.String("pair", p.Key())))
		r.deps.Logger.Info(ctx, "Pair reactivated", "session_id", r.sessionID, "pair", p.Key())
		_ = r.deps.Sessions.LogEvent(ctx, r.sessionID, "pair_reactivated",
			fmt.Sprintf("pair %s reactivated", p.Key()), map[string]any{"pair": p.Key()})
	}
}

func (r *distributedRun) loop(ctx context.Context) (transfer.Result, error) {
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

		now := r.deps.Clock.Now()
		r.reactivatePairs(ctx, now)
		r.rotate(ctx, now)

		pair := r.nextPair()
		if pair == nil {
			wait, ok := r.nextReactivation(now)
			if !ok {
				return r.finish(ctx, session.StatusCompleted, transfer.StopExhausted, "no pair has work left"), nil
			}
			r.deps.Logger.Info(ctx, "All pairs quarantined, waiting for reactivation",
				"session_id", r.sessionID,
				"wait", wait.String(),
			)
			if err := r.deps.Clock.Sleep(ctx, wait); err != nil {
				return r.stopOnError(ctx, err)
			}
			continue
		}

		if pair.NeedsExtraction() {
			if err := r.extract(ctx, pair); err != nil {
				return r.stopOnError(ctx, err)
			}
			r.maybeSave(ctx)
			continue
		}

		attempted, err := r.transferBatch(ctx, pair)
		if err != nil {
			return r.stopOnError(ctx, err)
		}
		r.maybeSave(ctx)

		if attempted && r.processedCount() < r.limit {
			delay := adaptiveDelay(r.cfg, r.deps.Clock.Now().Hour(), r.successRate(), r.rnd)
			r.deps.Metrics.ObserveDelay(ctx, KindDistributed, delay)
			if err := r.deps.Clock.Sleep(ctx, delay); err != nil {
				return r.stopOnError(ctx, err)
			}
		}
	}
}

// nextPair picks the highest priority active pair with work, rotating
// through equals so none starves.
func (r *distributedRun) nextPair() *transfer.GroupPair {
	best, found := 0, false
	for _, p := range r.pairs {
		if p.IsActive() && p.HasWork() && (!found || p.Priority() > best) {
			best, found = p.Priority(), true
		}
	}
	if !found {
		return nil
	}
	n := len(r.pairs)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		p := r.pairs[idx]
		if p.IsActive() && p.HasWork() && p.Priority() == best {
			r.cursor = (idx + 1) % n
			return p
		}
	}
	return nil
}

// nextReactivation returns how long until the first quarantined pair can
// come back. It reports false when no pair ever will.
func (r *distributedRun) nextReactivation(now time.Time) (time.Duration, bool) {
	var (
		wait  time.Duration
		found bool
	)
	for _, p := range r.pairs {
		st := p.State()
		if st.Active || st.TargetFull || (st.SourceExhausted && len(st.Cache) == 0) {
			continue
		}
		w := max(st.DeactivatedAt.Add(r.cfg.ReactivationTimeout).Sub(now), 0)
		if !found || w < wait {
			wait, found = w, true
		}
	}
	return wait, found
}

// rotate advances the fairness checkpoint every GroupRotationInterval.
func (r *distributedRun) rotate(ctx context.Context, now time.Time) {
	if now.Sub(r.lastRotation) < r.cfg.GroupRotationInterval {
		return
	}
	r.rotation++
	r.lastRotation = now
	_ = r.deps.Sessions.LogEvent(ctx, r.sessionID, "rotation",
		fmt.Sprintf("rotation %d", r.rotation), map[string]any{"rotation": r.rotation, "cursor": r.cursor})
	if r.rotations != nil {
		if err := r.rotations.Save(ctx, map[string]any{"rotation": r.rotation, "cursor": r.cursor}); err != nil {
			r.deps.Logger.Warn(ctx, "Failed to save rotation checkpoint", "session_id", r.sessionID, "error", err)
		}
	}
	if err := r.save(ctx); err != nil {
		r.deps.Logger.Warn(ctx, "Failed to save progress", "session_id", r.sessionID, "error", err)
	}
}

// extract fills the pair cache with one batch. Entities already seen for the
// pair's target, or already cached by another pair with the same target,
// are dropped before caching.
func (r *distributedRun) extract(ctx context.Context, pair *transfer.GroupPair) error {
	ctx, span := r.deps.Tracer.Start(ctx, "strategy.distributed.extract",
		trace.WithAttributes(
			attribute.String("pair", pair.Key()),
			attribute.Int("offset", pair.Offset()),
		))
	defer span.End()

	now := r.deps.Clock.Now()
	ws := r.deps.Pool.NextAvailable(ctx, 1, worker.PurposeExtract, pool.Excluding(r.unusableIDs(now)...))
	if len(ws) == 0 {
		if rested, err := r.waitForRest(ctx, now); rested || err != nil {
			return err
		}
		return ErrNoWorkers
	}
	w := ws[0]

	batch, err := r.extractWith(ctx, w, pair)
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errNotReserved) {
			return nil
		}
		fe, dec := r.deps.Errors.Handle(ctx, err)
		r.deps.recordFault(ctx, r.sessionID, w.ID, fe, dec)
		if dec.SwitchWorker {
			r.bench(ctx, w.ID, fe, dec)
		}
		if dec.Abort {
			span.SetStatus(codes.Error, "extraction aborted")
			return err
		}
		r.pairFailed(ctx, pair)
		return nil
	}

	var fresh []transfer.Entity
	for _, e := range batch {
		key := seenKey(pair.Target(), e.ID)
		if _, done := r.seen[key]; done {
			continue
		}
		if _, taken := r.claimed[key]; taken {
			continue
		}
		r.claimed[key] = struct{}{}
		fresh = append(fresh, e)
	}
	pair.AddExtracted(len(batch), fresh)
	r.deps.Metrics.IncExtracted(ctx, KindDistributed, len(fresh))
	span.SetAttributes(attribute.Int("returned", len(batch)), attribute.Int("fresh", len(fresh)))
	if pair.SourceExhausted() {
		r.deps.Logger.Info(ctx, "Source exhausted", "session_id", r.sessionID, "pair", pair.Key())
	}
	return nil
}

func (r *distributedRun) extractWith(ctx context.Context, w worker.Snapshot, pair *transfer.GroupPair) ([]transfer.Entity, error) {
	if err := r.deps.Pool.Reserve(ctx, w.ID, worker.PurposeExtract); err != nil {
		return nil, fmt.Errorf("%w: %w", errNotReserved, err)
	}
	conn, err := r.conns.get(ctx, w)
	var batch []transfer.Entity
	if err == nil {
		batch, err = r.deps.Connector.ExtractBatch(ctx, conn, pair.Source(), r.cfg.MaxExtractionBatch, pair.Offset())
	}
	r.deps.recordOutcome(ctx, w.ID, worker.PurposeExtract, err)
	return batch, err
}

// transferBatch moves up to MaxParallelPerGroup cached entities of pair in
// parallel, one per worker of the groups inside their slot. It reports
// whether any transfer was attempted.
func (r *distributedRun) transferBatch(ctx context.Context, pair *transfer.GroupPair) (bool, error) {
	now := r.deps.Clock.Now()
	want := min(r.cfg.MaxParallelPerGroup, r.limit-r.processedCount(), pair.CacheLen())
	ws := r.deps.Pool.NextAvailable(ctx, want, worker.PurposeAdd,
		pool.Among(r.activeWorkerIDs(now)), pool.Excluding(r.unusableIDs(now)...))
	if len(ws) == 0 {
		if rested, err := r.waitForRest(ctx, now); rested || err != nil {
			return false, err
		}
		if len(r.deps.Pool.NextAvailable(ctx, 1, worker.PurposeAdd, pool.Excluding(r.benchedIDs()...))) == 0 {
			return false, ErrNoWorkers
		}
		// Workers exist but belong to groups outside their slot.
		wait := nextSlotStart(now).Sub(now)
		r.deps.Logger.Info(ctx, "No worker in the current slot, waiting for the next one",
			"session_id", r.sessionID,
			"wait", wait.String(),
		)
		if err := r.deps.Clock.Sleep(ctx, wait); err != nil {
			return false, err
		}
		r.refreshGroups(r.deps.Clock.Now())
		return false, nil
	}

	var entities []transfer.Entity
	for _, e := range pair.Pop(len(ws)) {
		key := seenKey(pair.Target(), e.ID)
		if _, done := r.seen[key]; done {
			delete(r.claimed, key)
			continue
		}
		entities = append(entities, e)
	}
	if len(entities) == 0 {
		return false, nil
	}
	r.lastWorker = ws[len(entities)-1].ID
	outcomes := make([]error, len(entities))

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallelPerGroup)
	for i, e := range entities {
		w := ws[i]
		g.Go(func() error {
			outcomes[i] = r.transferOne(ctx, w, e, pair.Target())
			return nil
		})
	}
	_ = g.Wait()

	var abortErr error
	for i, e := range entities {
		if err := r.settle(ctx, pair, ws[i], e, outcomes[i]); err != nil && abortErr == nil {
			abortErr = err
		}
	}
	r.report(pair.Key(), false)
	return true, abortErr
}

func (r *distributedRun) transferOne(ctx context.Context, w worker.Snapshot, e transfer.Entity, target string) error {
	if err := r.deps.Pool.Reserve(ctx, w.ID, worker.PurposeAdd); err != nil {
		return fmt.Errorf("%w: %w", errNotReserved, err)
	}
	conn, err := r.conns.get(ctx, w)
	if err == nil {
		err = r.deps.Connector.Transfer(ctx, conn, e, target)
	}
	r.deps.recordOutcome(ctx, w.ID, worker.PurposeAdd, err)
	return err
}

// settle books one transfer outcome. Retryable failures put the entity back
// in the cache until MaxRetry attempts were spent and a cooldown rests the
// worker for this run. A refused reservation only requeues the entity. It
// returns an error only when the run must stop.
func (r *distributedRun) settle(ctx context.Context, pair *transfer.GroupPair, w worker.Snapshot, e transfer.Entity, err error) error {
	key := seenKey(pair.Target(), e.ID)
	group := r.groupOf[w.ID]

	if err == nil {
		pair.RecordSuccess()
		if group != nil {
			group.RecordOutcome(true)
		}
		r.seen[key] = struct{}{}
		delete(r.claimed, key)
		delete(r.attempts, key)
		r.succeeded++
		r.sinceSave++
		r.observe(true)
		r.deps.Metrics.IncTransfers(ctx, KindDistributed, true)
		return nil
	}

	if ctx.Err() != nil {
		pair.Requeue(e)
		return ctx.Err()
	}
	if errors.Is(err, errNotReserved) {
		pair.Requeue(e)
		r.deps.Logger.Debug(ctx, "Worker reservation refused, requeueing entity",
			"session_id", r.sessionID,
			"worker_id", w.ID,
			"entity_id", e.ID,
		)
		return nil
	}

	fe, dec := r.deps.Errors.Handle(ctx, err)
	r.deps.recordFault(ctx, r.sessionID, w.ID, fe, dec)
	if group != nil {
		group.RecordOutcome(false)
	}
	r.observe(false)
	r.deps.Metrics.IncTransfers(ctx, KindDistributed, false)
	if dec.SwitchWorker {
		r.bench(ctx, w.ID, fe, dec)
	} else if dec.Cooldown && dec.CooldownSeconds > 0 {
		r.rest(ctx, w.ID, time.Duration(dec.CooldownSeconds)*time.Second)
	}
	if dec.Abort {
		pair.Requeue(e)
		return err
	}

	r.attempts[key]++
	if (dec.Retry || dec.SwitchWorker) && r.attempts[key] <= r.cfg.MaxRetry {
		pair.Requeue(e)
	} else {
		delete(r.attempts, key)
		delete(r.claimed, key)
		r.seen[key] = struct{}{}
		r.failed++
		r.sinceSave++
	}
	r.pairFailed(ctx, pair)
	return nil
}

// pairFailed advances the pair's failure streak and reports a quarantine.
func (r *distributedRun) pairFailed(ctx context.Context, pair *transfer.GroupPair) {
	if !pair.RecordFailure(r.deps.Clock.Now(), r.cfg.PairFailureThreshold) {
		return
	}
	trace.SpanFromContext(ctx).AddEvent("pair_deactivated",
		trace.WithAttributes(attribute.String("pair", pair.Key())))
	r.deps.Logger.Warn(ctx, "Pair deactivated after consecutive failures",
		"session_id", r.sessionID,
		"pair", pair.Key(),
		"failures", pair.ConsecutiveFailures(),
	)
	_ = r.deps.Sessions.LogEvent(ctx, r.sessionID, "pair_deactivated",
		fmt.Sprintf("pair %s deactivated", pair.Key()),
		map[string]any{"pair": pair.Key(), "failures": pair.ConsecutiveFailures()})
}

// bench takes a worker out of rotation for the rest of the run when the pool
// itself keeps it Active.
func (r *distributedRun) bench(ctx context.Context, workerID string, fe *fault.Error, dec fault.Decision) {
	if !r.deps.retireWorker(ctx, workerID, fe, dec) {
		r.benched[workerID] = struct{}{}
	}
	r.conns.drop(ctx, workerID)
	r.deps.Metrics.IncWorkerSwitches(ctx, KindDistributed)
}

// rest keeps a worker out of this run for d without touching its pool status.
func (r *distributedRun) rest(ctx context.Context, workerID string, d time.Duration) {
	until := r.deps.Clock.Now().Add(d)
	if until.After(r.resting[workerID]) {
		r.resting[workerID] = until
	}
	r.deps.Logger.Debug(ctx, "Worker resting after cooldown decision",
		"session_id", r.sessionID,
		"worker_id", workerID,
		"cooldown", d.String(),
	)
}

// waitForRest sleeps until the first resting worker is usable again. It
// reports false when no worker is resting.
func (r *distributedRun) waitForRest(ctx context.Context, now time.Time) (bool, error) {
	var (
		first time.Time
		found bool
	)
	for _, until := range r.resting {
		if until.After(now) && (!found || until.Before(first)) {
			first, found = until, true
		}
	}
	if !found {
		return false, nil
	}
	wait := first.Sub(now)
	r.deps.Logger.Info(ctx, "All usable workers resting, waiting",
		"session_id", r.sessionID,
		"wait", wait.String(),
	)
	return true, r.deps.Clock.Sleep(ctx, wait)
}

// unusableIDs lists benched workers and the ones still resting at now.
func (r *distributedRun) unusableIDs(now time.Time) []string {
	ids := r.benchedIDs()
	for id, until := range r.resting {
		if !until.After(now) {
			delete(r.resting, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (r *distributedRun) benchedIDs() []string {
	ids := make([]string, 0, len(r.benched))
	for id := range r.benched {
		ids = append(ids, id)
	}
	return ids
}

func (r *distributedRun) observe(success bool) {
	r.recent = append(r.recent, success)
	if over := len(r.recent) - recentOutcomes; over > 0 {
		r.recent = r.recent[over:]
	}
}

// successRate is the rolling success percentage, 100 before any outcome.
func (r *distributedRun) successRate() float64 {
	if len(r.recent) == 0 {
		return 100
	}
	ok := 0
	for _, s := range r.recent {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(r.recent)) * 100
}

// adaptiveDelay draws a base delay in [MinDelay, MaxAdaptiveDelay] and
// scales it by the hour of day, the rolling success rate and a final 10%
// jitter.
func adaptiveDelay(cfg Config, hour int, successRate float64, rnd func() float64) time.Duration {
	base := float64(cfg.MinDelay) + rnd()*float64(cfg.MaxAdaptiveDelay-cfg.MinDelay)
	if !cfg.AdaptiveDelays {
		return time.Duration(base)
	}

	factor := 1.0
	switch {
	case cfg.PeakHours.Contains(hour):
		factor *= 1.3
	case cfg.OffPeakHours.Contains(hour):
		factor *= 0.8
	}
	switch {
	case successRate < 70:
		factor *= 1.5
	case successRate < 85:
		factor *= 1.2
	case successRate > 95:
		factor *= 0.9
	}
	factor *= 0.9 + rnd()*0.2
	return time.Duration(base * factor)
}

// nextSlotStart returns the start of the slot following the one holding now.
func nextSlotStart(now time.Time) time.Time {
	start := (now.Hour()/transfer.SlotHours + 1) * transfer.SlotHours
	return time.Date(now.Year(), now.Month(), now.Day(), start, 0, 0, 0, now.Location())
}

func (r *distributedRun) maybeSave(ctx context.Context) {
	if r.sinceSave < r.cfg.BatchSaveSize && r.deps.Clock.Now().Sub(r.lastSave) < r.cfg.BatchSaveInterval {
		return
	}
	if err := r.save(ctx); err != nil {
		r.deps.Logger.Warn(ctx, "Failed to save progress", "session_id", r.sessionID, "error", err)
	}
}

func (r *distributedRun) save(ctx context.Context) error {
	err := r.deps.Sessions.UpdateState(ctx, r.sessionID, map[string]any{
		"processed": r.processedCount(),
		"succeeded": r.succeeded,
		"failed":    r.failed,
		"rotation":  r.rotation,
	}, false)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}

	seen := make([]string, 0, len(r.seen))
	for k := range r.seen {
		seen = append(seen, k)
	}
	sort.Strings(seen)
	states := make([]transfer.PairState, len(r.pairs))
	for i, p := range r.pairs {
		states[i] = p.State()
	}
	point, err := toMap(distributedPoint{
		Pairs:     states,
		Seen:      seen,
		Rotation:  r.rotation,
		Cursor:    r.cursor,
		Succeeded: r.succeeded,
		Failed:    r.failed,
	})
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

func (r *distributedRun) report(pairKey string, force bool) {
	r.progress.report(transfer.Progress{
		SessionID:     r.sessionID,
		Processed:     r.processedCount(),
		Total:         r.limit,
		Succeeded:     r.succeeded,
		Failed:        r.failed,
		CurrentWorker: r.lastWorker,
		CurrentPair:   pairKey,
	}, force)
}

func (r *distributedRun) stopOnError(ctx context.Context, err error) (transfer.Result, error) {
	switch {
	case errors.Is(err, ErrNoWorkers):
		return r.finish(ctx, session.StatusPaused, transfer.StopNoWorkers, "no workers available"), err
	case ctx.Err() != nil:
		return r.finish(ctx, session.StatusInterrupted, transfer.StopCanceled, "context canceled"), ctx.Err()
	}
	return r.finish(ctx, session.StatusFailed, transfer.StopAborted, err.Error()), err
}

func (r *distributedRun) finish(ctx context.Context, status session.Status, reason transfer.StopReason, msg string) transfer.Result {
	ctx = context.WithoutCancel(ctx)
	r.conns.closeAll(ctx)

	if err := r.save(ctx); err != nil {
		r.deps.Logger.Warn(ctx, "Failed to save final progress", "session_id", r.sessionID, "error", err)
	}
	res := transfer.Result{
		SessionID:  r.sessionID,
		Processed:  r.processedCount(),
		Succeeded:  r.succeeded,
		Failed:     r.failed,
		PerPair:    make(map[string]transfer.PairStats, len(r.pairs)),
		StopReason: reason,
	}
	for _, p := range r.pairs {
		st := p.Stats()
		res.PerPair[p.Key()] = st
		if st.Processed > 0 {
			_ = r.deps.Sessions.RecordMetric(ctx, r.sessionID, p.Key(),
				float64(st.Succeeded)/float64(st.Processed)*100, "pair_success_rate")
		}
	}
	if total := r.processedCount(); total > 0 {
		_ = r.deps.Sessions.RecordMetric(ctx, r.sessionID, "success_rate",
			float64(r.succeeded)/float64(total)*100, "transfer")
	}
	if status == session.StatusCompleted {
		_ = r.deps.Sessions.ClearRecoveryPoint(ctx, r.sessionID)
		if r.rotations != nil {
			_ = r.rotations.Clear(ctx)
		}
	}
	if err := r.deps.Sessions.SetStatus(ctx, r.sessionID, status, msg); err != nil {
		r.deps.Logger.Error(ctx, "Failed to set final session status",
			"session_id", r.sessionID,
			"status", status,
			"error", err,
		)
	}
	r.report("", true)

	r.deps.Logger.Info(ctx, "Distributed run finished",
		"session_id", r.sessionID,
		"stop_reason", reason,
		"processed", res.Processed,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
	)
	return res
}
