package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

// connections caches one connector session per worker for the duration of
// a run.
type connections struct {
	mu        sync.Mutex
	connector transfer.Connector
	open      map[string]transfer.ConnectorSession
}

func newConnections(c transfer.Connector) *connections {
	return &connections{connector: c, open: make(map[string]transfer.ConnectorSession)}
}

func (c *connections) get(ctx context.Context, w worker.Snapshot) (transfer.ConnectorSession, error) {
	c.mu.Lock()
	sess, ok := c.open[w.ID]
	c.mu.Unlock()
	if ok {
		return sess, nil
	}

	sess, err := c.connector.Connect(ctx, w)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.open[w.ID]; ok {
		_ = c.connector.Disconnect(ctx, sess)
		return existing, nil
	}
	c.open[w.ID] = sess
	return sess, nil
}

func (c *connections) drop(ctx context.Context, workerID string) {
	c.mu.Lock()
	sess, ok := c.open[workerID]
	delete(c.open, workerID)
	c.mu.Unlock()
	if ok {
		_ = c.connector.Disconnect(ctx, sess)
	}
}

func (c *connections) closeAll(ctx context.Context) {
	c.mu.Lock()
	open := c.open
	c.open = make(map[string]transfer.ConnectorSession)
	c.mu.Unlock()
	for _, sess := range open {
		_ = c.connector.Disconnect(ctx, sess)
	}
}

// retireWorker applies the pool transition a worker-related failure calls
// for. It reports false when the worker stays Active and the caller must
// exclude it on its own.
func (d *Deps) retireWorker(ctx context.Context, workerID string, fe *fault.Error, dec fault.Decision) bool {
	var (
		status   worker.Status
		cooldown time.Duration
	)
	switch {
	case fe.Kind == fault.KindCredentialBanned,
		fe.Kind == fault.KindWorkerBlocked,
		fe.Kind == fault.KindInvalidCredentialID,
		fe.Kind == fault.KindInvalidCredentialSecret:
		status = worker.StatusBlocked
	case fe.Kind == fault.KindSessionExpired, fe.Kind == fault.KindWorkerUnverified:
		status = worker.StatusUnverified
	case dec.Cooldown && dec.CooldownSeconds > 0:
		status = worker.StatusCooldown
		cooldown = time.Duration(dec.CooldownSeconds) * time.Second
	default:
		return false
	}

	if err := d.Pool.SetStatus(ctx, workerID, status, cooldown); err != nil {
		d.Logger.Warn(ctx, "Failed to update worker status",
			"worker_id", workerID,
			"status", status,
			"error", err,
		)
	}
	return true
}

// recordFault appends a classified failure to the session error list.
func (d *Deps) recordFault(ctx context.Context, sessionID, workerID string, fe *fault.Error, dec fault.Decision) {
	details := map[string]any{
		"error":         fe.Error(),
		"retry":         dec.Retry,
		"switch_worker": dec.SwitchWorker,
		"abort":         dec.Abort,
	}
	if workerID != "" {
		details["worker_id"] = workerID
	}
	if dec.CooldownSeconds > 0 {
		details["cooldown_seconds"] = dec.CooldownSeconds
	}
	if err := d.Sessions.LogError(ctx, sessionID, fe.Kind.String(), dec.HumanMessage, details); err != nil {
		d.Logger.Warn(ctx, "Failed to record session error", "session_id", sessionID, "error", err)
	}
}

// recordOutcome reports the result of a reserved call to the pool. Failures
// only count against the worker when the worker caused them; otherwise the
// reservation is returned untouched.
func (d *Deps) recordOutcome(ctx context.Context, workerID string, purpose worker.Purpose, err error) {
	if err != nil && !d.Errors.Classify(err).Kind.IsWorkerRelated() {
		d.Pool.Release(workerID, purpose)
		return
	}
	if perr := d.Pool.RecordOutcome(ctx, workerID, purpose, err == nil); perr != nil {
		d.Logger.Warn(ctx, "Failed to record worker outcome",
			"worker_id", workerID,
			"purpose", purpose,
			"error", perr,
		)
	}
}
