package worker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestWorker() *Worker {
	return New(Credential{Key: "+100", Handle: "alice"}, t0)
}

func TestWorker_RecordSuccessReachesDailyLimit(t *testing.T) {
	limits := DefaultLimits()
	w := newTestWorker()

	for i := 0; i < limits.MaxAddsPerDay-1; i++ {
		w.RecordSuccess(PurposeAdd, t0, limits)
		require.Equal(t, StatusActive, w.Status())
	}
	w.RecordSuccess(PurposeAdd, t0, limits)

	assert.Equal(t, StatusDailyLimitReached, w.Status())
	assert.Equal(t, limits.MaxAddsPerDay, w.AddedToday())
	assert.False(t, w.Available(t0, PurposeAdd, limits))
}

func TestWorker_FailuresEnterCooldownOnce(t *testing.T) {
	limits := DefaultLimits()
	w := newTestWorker()

	assert.False(t, w.RecordFailure(t0, limits))
	assert.False(t, w.RecordFailure(t0, limits))
	assert.True(t, w.RecordFailure(t0, limits))
	assert.Equal(t, StatusCooldown, w.Status())
	assert.Equal(t, t0.Add(6*time.Hour), w.CooldownUntil())

	assert.False(t, w.RecordFailure(t0.Add(time.Minute), limits), "already cooling down")
	assert.Equal(t, t0.Add(6*time.Hour), w.CooldownUntil())
}

func TestWorker_SuccessResetsFailures(t *testing.T) {
	limits := DefaultLimits()
	w := newTestWorker()
	w.RecordFailure(t0, limits)
	w.RecordFailure(t0, limits)
	w.RecordSuccess(PurposeExtract, t0, limits)

	assert.Equal(t, 0, w.FailureCount())
	assert.False(t, w.RecordFailure(t0, limits))
	assert.Equal(t, StatusActive, w.Status())
}

func TestWorker_RefreshLiftsCooldownAndRollsWindow(t *testing.T) {
	limits := DefaultLimits()
	w := newTestWorker()
	for i := 0; i < limits.MaxFailuresBeforeCooldown; i++ {
		w.RecordFailure(t0, limits)
	}
	require.Equal(t, StatusCooldown, w.Status())

	assert.False(t, w.Refresh(t0.Add(time.Hour), limits))
	assert.Equal(t, StatusCooldown, w.Status())

	assert.True(t, w.Refresh(t0.Add(6*time.Hour), limits))
	assert.Equal(t, StatusActive, w.Status())
	assert.Equal(t, 0, w.FailureCount())
	assert.True(t, w.CooldownUntil().IsZero())
}

func TestWorker_RollingWindowIsNotCalendarAligned(t *testing.T) {
	limits := DefaultLimits()
	w := newTestWorker()
	for i := 0; i < limits.MaxAddsPerDay; i++ {
		w.RecordSuccess(PurposeAdd, t0, limits)
	}
	require.Equal(t, StatusDailyLimitReached, w.Status())

	// Past midnight but less than 24h since the last reset.
	w.Refresh(t0.Add(15*time.Hour), limits)
	assert.Equal(t, StatusDailyLimitReached, w.Status())

	w.Refresh(t0.Add(24*time.Hour), limits)
	assert.Equal(t, StatusActive, w.Status())
	assert.Equal(t, 0, w.AddedToday())
	assert.Equal(t, t0.Add(24*time.Hour), w.DailyResetAt())
}

func TestWorker_SetStatus(t *testing.T) {
	limits := DefaultLimits()

	t.Run("active clears cooldown and failures", func(t *testing.T) {
		w := newTestWorker()
		w.RecordFailure(t0, limits)
		require.NoError(t, w.SetStatus(StatusCooldown, t0, 2*time.Hour, limits))
		assert.Equal(t, t0.Add(2*time.Hour), w.CooldownUntil())

		require.NoError(t, w.SetStatus(StatusActive, t0, 0, limits))
		assert.Equal(t, StatusActive, w.Status())
		assert.True(t, w.CooldownUntil().IsZero())
		assert.Equal(t, 0, w.FailureCount())
	})

	t.Run("active keeps quota invariant", func(t *testing.T) {
		w := newTestWorker()
		for i := 0; i < limits.MaxAddsPerDay; i++ {
			w.RecordSuccess(PurposeAdd, t0, limits)
		}
		require.NoError(t, w.SetStatus(StatusActive, t0, 0, limits))
		assert.Equal(t, StatusDailyLimitReached, w.Status())
	})

	t.Run("cooldown uses default duration", func(t *testing.T) {
		w := newTestWorker()
		require.NoError(t, w.SetStatus(StatusCooldown, t0, 0, limits))
		assert.Equal(t, t0.Add(limits.CooldownDuration), w.CooldownUntil())
	})

	t.Run("unknown status", func(t *testing.T) {
		w := newTestWorker()
		assert.ErrorIs(t, w.SetStatus(Status("NOPE"), t0, 0, limits), ErrStatusUnknown)
	})
}

func TestWorker_BlockedAndUnverifiedAreNeverAvailable(t *testing.T) {
	limits := DefaultLimits()
	for _, s := range []Status{StatusBlocked, StatusUnverified} {
		w := newTestWorker()
		require.NoError(t, w.SetStatus(s, t0, 0, limits))
		w.Refresh(t0.Add(48*time.Hour), limits)
		assert.False(t, w.Available(t0.Add(48*time.Hour), PurposeAdd, limits), s)
	}
}

func TestWorker_ResetDaily(t *testing.T) {
	limits := DefaultLimits()
	w := newTestWorker()
	for i := 0; i < limits.MaxAddsPerDay; i++ {
		w.RecordSuccess(PurposeAdd, t0, limits)
	}
	w.ResetDaily(t0.Add(time.Hour))

	assert.Equal(t, StatusActive, w.Status())
	assert.Equal(t, 0, w.AddedToday())
	assert.True(t, w.Available(t0.Add(time.Hour), PurposeAdd, limits))
}

func TestWorker_JSONRoundTrip(t *testing.T) {
	limits := DefaultLimits()
	w := New(Credential{Key: "k1", Handle: "bob", Payload: map[string]string{"session": "abc"}}, t0)
	w.RecordSuccess(PurposeExtract, t0, limits)
	w.RecordFailure(t0, limits)

	data, err := json.Marshal(w)
	require.NoError(t, err)

	var restored Worker
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, w.Snapshot(), restored.Snapshot())
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("cooldown")
	require.NoError(t, err)
	assert.Equal(t, StatusCooldown, s)

	_, err = ParseStatus("sleeping")
	assert.ErrorIs(t, err, ErrStatusUnknown)
}
