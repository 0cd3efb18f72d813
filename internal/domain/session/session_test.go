package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTimeProvider struct{ now time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.now }

func (m *mockTimeProvider) advance(d time.Duration) { m.now = m.now.Add(d) }

func newTestSession(t *testing.T, opts ...Option) (*Session, *mockTimeProvider) {
	t.Helper()
	tp := &mockTimeProvider{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New("member_transfer", append([]Option{WithTimeProvider(tp)}, opts...)...), tp
}

func TestSession_New(t *testing.T) {
	s, tp := newTestSession(t)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, "member_transfer", s.Type())
	assert.Equal(t, StatusCreated, s.Status())
	assert.Equal(t, tp.now, s.CreatedAt())
	require.Len(t, s.Events(), 1)
	assert.Equal(t, "created", s.Events()[0].Type)
}

func TestSession_UpdateStateMergesAndTracksHistory(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.UpdateState(map[string]any{"processed": 5, "total": 20, "source": "a"}, true))
	require.NoError(t, s.UpdateState(map[string]any{"processed": 10}, true))

	state := s.State()
	assert.Equal(t, float64(10), state["processed"])
	assert.Equal(t, "a", state["source"])
	assert.Equal(t, 50.0, s.Progress())

	history := s.History()
	require.Len(t, history, 2)
	assert.Empty(t, history[0].State)
	assert.Equal(t, float64(5), history[1].State["processed"])
}

func TestSession_UpdateStateWithoutHistory(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.UpdateState(map[string]any{"k": "v"}, false))
	assert.Empty(t, s.History())
}

func TestSession_HistoryIsBounded(t *testing.T) {
	s, _ := newTestSession(t, WithHistoryLimit(3))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.UpdateState(map[string]any{"i": i}, true))
	}
	history := s.History()
	require.Len(t, history, 3)
	// Oldest snapshots were dropped first.
	assert.Equal(t, float64(6), history[0].State["i"])
	assert.Equal(t, float64(8), history[2].State["i"])
}

func TestSession_ProgressIsMonotonicAndClamped(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.UpdateState(map[string]any{"progress": 40}, false))
	require.NoError(t, s.UpdateState(map[string]any{"progress": 20}, false))
	assert.Equal(t, 40.0, s.Progress())

	require.NoError(t, s.UpdateState(map[string]any{"progress": 250}, false))
	assert.Equal(t, 100.0, s.Progress())
}

func TestSession_SetStatus(t *testing.T) {
	s, tp := newTestSession(t)

	require.NoError(t, s.SetStatus(StatusRunning, ""))
	tp.advance(time.Minute)
	require.NoError(t, s.SetStatus(StatusCompleted, "done"))

	assert.Equal(t, StatusCompleted, s.Status())
	assert.Equal(t, tp.now, s.CompletedAt())
	assert.Equal(t, 100.0, s.Progress())
	assert.Equal(t, time.Minute, s.Duration())

	events := s.Events()
	last := events[len(events)-1]
	assert.Equal(t, "status_change", last.Type)
	assert.Contains(t, last.Message, "done")

	err := s.SetStatus(StatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestSession_FailedStampsCompletion(t *testing.T) {
	s, tp := newTestSession(t)
	require.NoError(t, s.SetStatus(StatusRunning, ""))
	require.NoError(t, s.SetStatus(StatusFailed, "no workers"))
	assert.Equal(t, tp.now, s.CompletedAt())
}

func TestSession_ErrorsMetricsAndRecovery(t *testing.T) {
	s, _ := newTestSession(t)

	s.LogError("RATE_LIMITED", "wait 30s", map[string]any{"wait": 30})
	s.LogError("NETWORK_UNAVAILABLE", "dial failed", nil)
	s.RecordMetric("transfer_seconds", 1.5, "timing")
	s.RecordMetric("transfer_seconds", 2.5, "timing")
	s.RecordMetric("misc", 1, "")

	require.Len(t, s.Errors(), 2)
	require.Len(t, s.LastErrors(1), 1)
	assert.Equal(t, "NETWORK_UNAVAILABLE", s.LastErrors(1)[0].Kind)

	metrics := s.Metrics()
	assert.Len(t, metrics["timing"]["transfer_seconds"], 2)
	assert.Len(t, metrics["general"]["misc"], 1)

	require.NoError(t, s.SetRecoveryPoint(map[string]any{"cursor": 42}))
	rp := s.RecoveryPoint()
	assert.Equal(t, float64(42), rp["cursor"])
	assert.Contains(t, rp, "timestamp")

	s.ClearRecoveryPoint()
	assert.Nil(t, s.RecoveryPoint())
}

func TestSession_Checkpoints(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.UpdateState(map[string]any{"step": "extract"}, false))
	s.Checkpoint("before_transfer")
	require.NoError(t, s.UpdateState(map[string]any{"step": "transfer"}, false))

	require.NoError(t, s.RestoreCheckpoint("before_transfer"))
	assert.Equal(t, "extract", s.State()["step"])
	assert.Equal(t, []string{"before_transfer"}, s.Checkpoints())
	assert.Error(t, s.RestoreCheckpoint("missing"))
}

func TestSession_AccessorsReturnCopies(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.UpdateState(map[string]any{"k": "v"}, false))

	state := s.State()
	state["k"] = "mutated"
	assert.Equal(t, "v", s.State()["k"])
}

func TestSession_JSONRoundTrip(t *testing.T) {
	s, tp := newTestSession(t)
	require.NoError(t, s.SetStatus(StatusRunning, ""))
	require.NoError(t, s.UpdateState(map[string]any{"processed": 3, "total": 12, "seen": []string{"a", "b"}}, true))
	s.LogError("UNKNOWN", "boom", nil)
	require.NoError(t, s.SetCustomData("campaign", "spring"))

	data, err := json.Marshal(s)
	require.NoError(t, err)

	restored, err := Decode(data, WithTimeProvider(tp))
	require.NoError(t, err)

	assert.Equal(t, s.ID(), restored.ID())
	assert.Equal(t, s.Status(), restored.Status())
	assert.Equal(t, s.Progress(), restored.Progress())
	assert.Equal(t, s.State(), restored.State())
	assert.Len(t, restored.Errors(), 1)
	assert.Equal(t, s.History(), restored.History())
	assert.Equal(t, []string{"a", "b"}, Strings(restored.State(), "seen"))
	assert.Equal(t, 3, Int(restored.State(), "processed"))
	assert.Equal(t, "spring", restored.CustomData()["campaign"])
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("paused")
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st)
	assert.True(t, st.IsIncomplete())

	_, err = ParseStatus("sleeping")
	assert.ErrorIs(t, err, ErrStatusUnknown)
}
