package sessions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/memory"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// flakyStore fails writes for selected keys.
type flakyStore struct {
	*memory.DocumentStore
	mu   sync.Mutex
	fail map[string]bool
}

func (f *flakyStore) Put(ctx context.Context, collection, key string, data []byte) error {
	f.mu.Lock()
	failing := f.fail[key]
	f.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return f.DocumentStore.Put(ctx, collection, key, data)
}

func (f *flakyStore) setFail(key string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[key] = fail
}

type countingMetrics struct {
	noopMetrics
	evictions int
	archived  int
}

func (c *countingMetrics) IncEvictions()     { c.evictions++ }
func (c *countingMetrics) AddArchived(n int) { c.archived += n }

func newTestStore(t *testing.T, docs storage.DocumentStore, opts ...Option) (*Store, *mockTimeProvider) {
	t.Helper()
	tp := &mockTimeProvider{now: time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithTimeProvider(tp)}, opts...)
	return New(docs, logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...), tp
}

func TestStore_CreateLoad(t *testing.T) {
	ctx := context.Background()
	docs := memory.NewDocumentStore()
	s, _ := newTestStore(t, docs)

	sess, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCreated, sess.Status())

	data, err := docs.Get(ctx, storage.CollectionSessions, sess.ID())
	require.NoError(t, err)
	assert.NotNil(t, data, "new sessions are persisted immediately")

	loaded, err := s.Load(ctx, sess.ID())
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), loaded.ID())

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_LoadReturnsDetachedCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, memory.NewDocumentStore())

	sess, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	require.NoError(t, sess.UpdateState(map[string]any{"processed": 99}, false))

	loaded, err := s.Load(ctx, sess.ID())
	require.NoError(t, err)
	assert.NotContains(t, loaded.State(), "processed")
}

func TestStore_RoundTripAfterEviction(t *testing.T) {
	ctx := context.Background()
	docs := memory.NewDocumentStore()
	metrics := &countingMetrics{}
	s, _ := newTestStore(t, docs, WithMaxActiveSessions(2), WithMetrics(metrics))

	first, err := s.Create(ctx, "distributed")
	require.NoError(t, err)
	id := first.ID()

	require.NoError(t, s.SetStatus(ctx, id, session.StatusRunning, ""))
	require.NoError(t, s.UpdateState(ctx, id, map[string]any{
		"processed": 30, "total": 60, "pairs": []any{map[string]any{"source": "a", "target": "b"}},
	}, true))
	require.NoError(t, s.LogError(ctx, id, "RATE_LIMITED", "wait 30", nil))
	require.NoError(t, s.LogError(ctx, id, "TIMEOUT", "slow", map[string]any{"attempt": 2}))

	before, err := s.Load(ctx, id)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := s.Create(ctx, "sequential")
		require.NoError(t, err)
	}
	assert.Equal(t, 2, s.CachedCount())
	assert.Equal(t, 1, metrics.evictions)

	after, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before.State(), after.State())
	assert.Equal(t, before.Status(), after.Status())
	assert.Equal(t, before.Progress(), after.Progress())
	assert.Len(t, after.Errors(), len(before.Errors()))
	assert.InDelta(t, 50.0, after.Progress(), 1e-9)
}

func TestStore_EvictionNeverDropsUnsavedState(t *testing.T) {
	ctx := context.Background()
	docs := &flakyStore{DocumentStore: memory.NewDocumentStore(), fail: map[string]bool{}}
	s, _ := newTestStore(t, docs, WithMaxActiveSessions(1))

	a, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	require.NoError(t, s.UpdateState(ctx, a.ID(), map[string]any{"processed": 7}, false))

	docs.setFail(a.ID(), true)
	_, err = s.Create(ctx, "sequential")
	require.NoError(t, err)
	assert.Equal(t, 2, s.CachedCount(), "session with unsaved changes stays cached")

	docs.setFail(a.ID(), false)
	require.NoError(t, s.Flush(ctx))

	raw, err := docs.Get(ctx, storage.CollectionSessions, a.ID())
	require.NoError(t, err)
	restored, err := session.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, 7, session.Int(restored.State(), "processed"))
}

func TestStore_FindIncomplete(t *testing.T) {
	ctx := context.Background()
	s, tp := newTestStore(t, memory.NewDocumentStore(), WithMaxActiveSessions(1))

	statuses := []session.Status{
		session.StatusRunning, session.StatusPaused, session.StatusCompleted, session.StatusInterrupted,
	}
	ids := make([]string, len(statuses))
	for i, st := range statuses {
		sess, err := s.Create(ctx, "sequential")
		require.NoError(t, err)
		ids[i] = sess.ID()
		require.NoError(t, s.SetStatus(ctx, sess.ID(), session.StatusRunning, ""))
		if st != session.StatusRunning {
			require.NoError(t, s.SetStatus(ctx, sess.ID(), st, ""))
		}
		tp.Advance(time.Minute)
	}

	found, err := s.FindIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, ids[0], found[0].ID())
	assert.Equal(t, ids[1], found[1].ID())
	assert.Equal(t, ids[3], found[2].ID())
}

func TestStore_ListFilterAndDelete(t *testing.T) {
	ctx := context.Background()
	s, tp := newTestStore(t, memory.NewDocumentStore())

	seq, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	tp.Advance(time.Second)
	dist, err := s.Create(ctx, "distributed")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, dist.ID(), session.StatusRunning, ""))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, dist.ID(), all[0].ID)

	running, err := s.List(ctx, Filter{Statuses: []session.Status{session.StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, dist.ID(), running[0].ID)

	byType, err := s.List(ctx, Filter{Type: "sequential"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, seq.ID(), byType[0].ID)

	require.NoError(t, s.Delete(ctx, seq.ID()))
	_, err = s.Load(ctx, seq.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStore_InvalidTransitionIsRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, memory.NewDocumentStore())

	sess, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, sess.ID(), session.StatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, sess.ID(), session.StatusCompleted, "done"))

	err = s.SetStatus(ctx, sess.ID(), session.StatusRunning, "")
	assert.ErrorIs(t, err, session.ErrInvalidStatusTransition)
}

func TestStore_RecoveryPointAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	docs := memory.NewDocumentStore()
	s, _ := newTestStore(t, docs)

	sess, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	id := sess.ID()

	require.NoError(t, s.UpdateState(ctx, id, map[string]any{"processed": 5}, true))
	require.NoError(t, s.Checkpoint(ctx, id, "before-batch"))
	require.NoError(t, s.UpdateState(ctx, id, map[string]any{"processed": 9}, true))
	require.NoError(t, s.SetRecoveryPoint(ctx, id, map[string]any{"cursor": 9}))

	raw, err := docs.Get(ctx, storage.CollectionSessions, id)
	require.NoError(t, err)
	persisted, err := session.Decode(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 9, persisted.RecoveryPoint()["cursor"], "recovery points are persisted immediately")

	require.NoError(t, s.RestoreCheckpoint(ctx, id, "before-batch"))
	loaded, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, session.Int(loaded.State(), "processed"))

	require.NoError(t, s.ClearRecoveryPoint(ctx, id))
	loaded, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, loaded.RecoveryPoint())

	assert.Error(t, s.RestoreCheckpoint(ctx, id, "missing"))
}

func TestStore_Report(t *testing.T) {
	ctx := context.Background()
	s, tp := newTestStore(t, memory.NewDocumentStore())

	sess, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	id := sess.ID()

	require.NoError(t, s.SetStatus(ctx, id, session.StatusRunning, ""))
	require.NoError(t, s.UpdateState(ctx, id, map[string]any{"processed": 10, "succeeded": 8, "failed": 2}, false))
	require.NoError(t, s.LogError(ctx, id, "TIMEOUT", "slow", nil))
	require.NoError(t, s.LogError(ctx, id, "TIMEOUT", "slower", nil))
	require.NoError(t, s.LogError(ctx, id, "PEER_RATE_LIMITED", "flagged", nil))
	require.NoError(t, s.RecordMetric(ctx, id, "delay", 10, "timing"))
	require.NoError(t, s.RecordMetric(ctx, id, "delay", 20, "timing"))
	tp.Advance(90 * time.Second)
	require.NoError(t, s.SetStatus(ctx, id, session.StatusCompleted, ""))

	r, err := s.Report(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, r.Duration)
	assert.Equal(t, 3, r.ErrorCount)
	assert.Equal(t, map[string]int{"TIMEOUT": 2, "PEER_RATE_LIMITED": 1}, r.ErrorsByKind)
	require.NotNil(t, r.LastError)
	assert.Equal(t, "flagged", r.LastError.Message)
	assert.InDelta(t, 0.8, r.SuccessRate, 1e-9)
	assert.Equal(t, MetricAggregate{Count: 2, Min: 10, Max: 20, Avg: 15, Last: 20}, r.Metrics["timing"]["delay"])
	assert.Equal(t, float64(100), r.Progress)

	exp, err := s.ExportSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, exp.Total)
	assert.Equal(t, 1, exp.ByStatus[session.StatusCompleted])
	assert.Equal(t, 1, exp.ByType["sequential"])
}

func TestStore_Archive(t *testing.T) {
	ctx := context.Background()
	sink := memory.NewArchiveSink()
	metrics := &countingMetrics{}
	s, tp := newTestStore(t, memory.NewDocumentStore(), WithArchiveSink(sink), WithMetrics(metrics))

	old, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, old.ID(), session.StatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, old.ID(), session.StatusCompleted, ""))

	running, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, running.ID(), session.StatusRunning, ""))

	tp.Advance(31 * 24 * time.Hour)

	recent, err := s.Create(ctx, "sequential")
	require.NoError(t, err)
	require.NoError(t, s.SetStatus(ctx, recent.ID(), session.StatusRunning, ""))
	require.NoError(t, s.SetStatus(ctx, recent.ID(), session.StatusFailed, "boom"))

	n, err := s.Archive(ctx, 30, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, metrics.archived)

	name := "sessions/2024/05/" + old.ID() + ".json.gz"
	assert.Equal(t, []string{name}, sink.Names())
	data, contentType, ok := sink.Object(name)
	require.True(t, ok)
	assert.Equal(t, "application/gzip", contentType)

	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	archived, err := session.Decode(plain)
	require.NoError(t, err)
	assert.Equal(t, old.ID(), archived.ID())
	assert.Equal(t, session.StatusCompleted, archived.Status())

	_, err = s.Load(ctx, old.ID())
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Load(ctx, running.ID())
	assert.NoError(t, err)
	_, err = s.Load(ctx, recent.ID())
	assert.NoError(t, err)
}

func TestStore_ArchiveWithoutSink(t *testing.T) {
	s, _ := newTestStore(t, memory.NewDocumentStore())
	_, err := s.Archive(context.Background(), 30, false)
	assert.ErrorIs(t, err, ErrNoArchiveSink)
}
