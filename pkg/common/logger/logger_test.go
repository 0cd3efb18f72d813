package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var m map[string]any
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WritesServiceTraceAndPairs(t *testing.T) {
	var buf bytes.Buffer
	traceFn := func(context.Context) string { return "trace-123" }
	log := NewWithMetadata(&buf, LevelInfo, "adder", traceFn, Events{}, map[string]string{"host": "h1"})

	log.With("component", "pool").Info(context.Background(), "worker added", "worker_id", "w1")
	log.Debug(context.Background(), "dropped")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "worker added", lines[0]["msg"])
	assert.Equal(t, "adder", lines[0]["service"])
	assert.Equal(t, "h1", lines[0]["host"])
	assert.Equal(t, "pool", lines[0]["component"])
	assert.Equal(t, "w1", lines[0]["worker_id"])
	assert.Equal(t, "trace-123", lines[0]["trace_id"])
	assert.Contains(t, lines[0]["file"], "logger_test.go")
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}
	log := NewWithEvents(&bytes.Buffer{}, LevelDebug, "adder", nil, events)

	log.Error(context.Background(), "boom", "attempt", 2)

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.EqualValues(t, 2, got.Attributes["attempt"])
}

func TestLoggerContext_AccumulatesPairs(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "adder", nil))
	lc.Add("session_id", "s1")
	lc.Add("pair", "a->b")
	lc.Warn(context.Background(), "pair quarantined", "failures", 5)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s1", lines[0]["session_id"])
	assert.Equal(t, "a->b", lines[0]["pair"])
	assert.EqualValues(t, 5, lines[0]["failures"])
}

func TestNoop(t *testing.T) {
	log := Noop()
	assert.False(t, log.Enabled(context.Background(), LevelError))
	log.With("k", "v").Error(context.Background(), "ignored")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("nope"))
}
