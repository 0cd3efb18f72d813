package strategy

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

func newSequential(t *testing.T, h *harness, cfg Config) *Sequential {
	t.Helper()
	s, err := NewSequential(h.deps, cfg)
	require.NoError(t, err)
	return s
}

func TestSequential_TransfersQueueInOrder(t *testing.T) {
	h := newHarness(t, 2)
	h.conn.addSource("src", "e", 5)
	s := newSequential(t, h, testConfig())

	var last transfer.Progress
	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t1", "t2"}, 10,
		func(p transfer.Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, transfer.StopExhausted, res.StopReason)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.Succeeded)
	assert.Zero(t, res.Failed)

	calls := h.conn.transferCalls()
	require.Len(t, calls, 5)
	wantTargets := []string{"t1", "t2", "t1", "t2", "t1"}
	for i, c := range calls {
		assert.Equal(t, "e"+string(rune('0'+i)), c.EntityID)
		assert.Equal(t, wantTargets[i], c.Target)
		assert.Equal(t, calls[0].WorkerID, c.WorkerID, "one worker at a time")
	}

	assert.Equal(t, 5, last.Processed)
	assert.Equal(t, 5, last.Total)

	assert.Equal(t, map[string]transfer.PairStats{
		transfer.PairKey("src", "t1"): {Source: "src", Target: "t1", Extracted: 3, Processed: 3, Succeeded: 3},
		transfer.PairKey("src", "t2"): {Source: "src", Target: "t2", Extracted: 2, Processed: 2, Succeeded: 2},
	}, res.PerPair)

	sess := h.session(t, res.SessionID)
	assert.Equal(t, session.StatusCompleted, sess.Status())
	assert.Equal(t, float64(100), sess.Progress())
	assert.Nil(t, sess.RecoveryPoint())
}

func TestSequential_DedupesAcrossSourcesAndHonorsLimit(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.addSource("s1", "e", 3)
	h.conn.sources["s2"] = []transfer.Entity{{ID: "e1"}, {ID: "e2"}}
	h.conn.addSource("s2", "f", 3)
	s := newSequential(t, h, testConfig())

	res, err := s.Execute(context.Background(), []string{"s1", "s2"}, []string{"t"}, 4, nil)
	require.NoError(t, err)

	assert.Equal(t, transfer.StopLimitReached, res.StopReason)
	assert.Equal(t, 4, res.Processed)
	var ids []string
	for _, c := range h.conn.transferCalls() {
		ids = append(ids, c.EntityID)
	}
	assert.Equal(t, []string{"e0", "e1", "e2", "f0"}, ids)
}

func TestSequential_SwitchesWorkerOnBan(t *testing.T) {
	h := newHarness(t, 2)
	h.conn.addSource("src", "e", 3)
	var banned string
	h.conn.transferErr = func(workerID string, _ transfer.Entity, _ string) error {
		if banned == "" {
			banned = workerID
		}
		if workerID == banned {
			return errors.New("USER_BANNED")
		}
		return nil
	}
	s := newSequential(t, h, testConfig())

	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t"}, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Succeeded)
	assert.Zero(t, res.Failed)

	snap, err := h.pool.Get(banned)
	require.NoError(t, err)
	assert.Equal(t, worker.StatusBlocked, snap.Status)
	assert.Contains(t, h.clock.sleeps(), 5*time.Second, "worker switch waits the account change delay")

	sess := h.session(t, res.SessionID)
	require.Len(t, sess.Errors(), 1)
	assert.Equal(t, string(fault.KindCredentialBanned), sess.Errors()[0].Kind)
}

func TestSequential_PausesWhenNoWorkersLeft(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.addSource("src", "e", 3)
	h.conn.transferErr = func(string, transfer.Entity, string) error { return errors.New("USER_BANNED") }
	s := newSequential(t, h, testConfig())

	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t"}, 3, nil)
	require.ErrorIs(t, err, ErrNoWorkers)

	assert.Equal(t, transfer.StopNoWorkers, res.StopReason)
	assert.Zero(t, res.Processed)

	sess := h.session(t, res.SessionID)
	assert.Equal(t, session.StatusPaused, sess.Status())
	var point sequentialPoint
	require.NoError(t, decode(sess.RecoveryPoint(), &point))
	assert.Len(t, point.Queue, 3, "the failed item stays queued")
}

func TestSequential_AutoPausesAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.addSource("src", "e", 10)
	h.conn.transferErr = func(string, transfer.Entity, string) error {
		return errors.New("USER_PRIVACY_RESTRICTED")
	}
	cfg := testConfig()
	cfg.MaxConsecutiveErrors = 3
	s := newSequential(t, h, cfg)

	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t"}, 10, nil)
	require.NoError(t, err)

	assert.Equal(t, transfer.StopPaused, res.StopReason)
	assert.Equal(t, 3, res.Failed)
	assert.Len(t, h.conn.transferCalls(), 3, "privacy failures are never retried")

	snap, err := h.pool.Get(h.workers[0])
	require.NoError(t, err)
	assert.Equal(t, worker.StatusActive, snap.Status, "item failures do not count against the worker")
	assert.Equal(t, session.StatusPaused, h.session(t, res.SessionID).Status())
}

func TestSequential_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.addSource("src", "e", 1)
	calls := 0
	h.conn.transferErr = func(string, transfer.Entity, string) error {
		calls++
		if calls <= 2 {
			return io.ErrUnexpectedEOF
		}
		return nil
	}
	s := newSequential(t, h, testConfig())

	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t"}, 1, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, h.clock.sleeps(),
		"network cooldown capped at the max delay")
}

func TestSequential_AbortsOnInvalidCredential(t *testing.T) {
	h := newHarness(t, 2)
	h.conn.addSource("src", "e", 3)
	h.conn.transferErr = func(string, transfer.Entity, string) error { return errors.New("API_ID_INVALID") }
	s := newSequential(t, h, testConfig())

	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t"}, 3, nil)
	require.Error(t, err)

	assert.Equal(t, transfer.StopAborted, res.StopReason)
	assert.Len(t, h.conn.transferCalls(), 1)
	assert.Equal(t, session.StatusFailed, h.session(t, res.SessionID).Status())
}

func TestSequential_PauseAndResume(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.addSource("src", "e", 6)
	s := newSequential(t, h, testConfig())
	h.conn.onTransfer = func(transferCall) {
		if len(h.conn.transferCalls()) == 2 {
			s.Pause()
		}
	}

	res, err := s.Execute(context.Background(), []string{"src"}, []string{"t"}, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, transfer.StopPaused, res.StopReason)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, session.StatusPaused, h.session(t, res.SessionID).Status())

	h.conn.onTransfer = nil
	resumed := newSequential(t, h, testConfig())
	res, err = resumed.Resume(context.Background(), res.SessionID, nil)
	require.NoError(t, err)

	assert.Equal(t, transfer.StopExhausted, res.StopReason)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 6, res.Succeeded)

	seen := make(map[string]int)
	for _, c := range h.conn.transferCalls() {
		seen[c.EntityID]++
	}
	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entity %s transferred more than once", id)
	}
	assert.Len(t, h.conn.extractCalls(), 1, "resume does not extract again")
	assert.Equal(t,
		transfer.PairStats{Source: "src", Target: "t", Extracted: 6, Processed: 6, Succeeded: 6},
		res.PerPair[transfer.PairKey("src", "t")], "pair counters survive the pause")
	assert.Equal(t, session.StatusCompleted, h.session(t, res.SessionID).Status())
}

func TestSequential_CancelInterrupts(t *testing.T) {
	h := newHarness(t, 1)
	h.conn.addSource("src", "e", 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.conn.onTransfer = func(transferCall) { cancel() }
	s := newSequential(t, h, testConfig())

	res, err := s.Execute(ctx, []string{"src"}, []string{"t"}, 4, nil)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, transfer.StopCanceled, res.StopReason)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, session.StatusInterrupted, h.session(t, res.SessionID).Status())
}

func TestSequential_ResumeRejectsOtherSessions(t *testing.T) {
	h := newHarness(t, 1)
	sess, err := h.store.Create(context.Background(), string(KindDistributed))
	require.NoError(t, err)

	s := newSequential(t, h, testConfig())
	_, err = s.Resume(context.Background(), sess.ID(), nil)
	assert.ErrorIs(t, err, ErrSessionMismatch)
}

func TestSequential_RejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, 1)
	s := newSequential(t, h, testConfig())

	_, err := s.Execute(context.Background(), nil, []string{"t"}, 1, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = s.Execute(context.Background(), []string{"s"}, []string{"t"}, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
