// Package worker models a credentialed actor that performs transfer work and
// the quota and cooldown rules that govern when it may be used.
package worker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QuotaWindow is the rolling window after which daily counters reset. It is
// measured from the previous reset, not aligned to the calendar day.
const QuotaWindow = 24 * time.Hour

// Credential is the opaque identity a worker acts with. Key must be stable
// for a given credential; it is used to detect duplicates.
type Credential struct {
	Key     string            `json:"key"`
	Handle  string            `json:"handle"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Limits are the quota and failure thresholds applied to every worker.
type Limits struct {
	MaxAddsPerDay             int
	MaxExtractionsPerDay      int
	MaxFailuresBeforeCooldown int
	CooldownDuration          time.Duration
}

// DefaultLimits mirrors the reference configuration.
func DefaultLimits() Limits {
	return Limits{
		MaxAddsPerDay:             20,
		MaxExtractionsPerDay:      500,
		MaxFailuresBeforeCooldown: 3,
		CooldownDuration:          6 * time.Hour,
	}
}

func (l Limits) limitFor(p Purpose) int {
	if p == PurposeExtract {
		return l.MaxExtractionsPerDay
	}
	return l.MaxAddsPerDay
}

// Worker tracks the status, quota counters and usage history of one credential.
// It is not safe for concurrent use; the pool serializes all access.
type Worker struct {
	id         string
	credential Credential

	status        Status
	cooldownUntil time.Time
	failureCount  int

	addedToday     int
	extractedToday int
	dailyResetAt   time.Time

	lastUsedAt     time.Time
	totalAdded     int64
	totalExtracted int64
	totalFailures  int64

	createdAt time.Time
}

// New creates an active worker for the credential.
func New(cred Credential, now time.Time) *Worker {
	return &Worker{
		id:           uuid.New().String(),
		credential:   cred,
		status:       StatusActive,
		dailyResetAt: now,
		createdAt:    now,
	}
}

// Snapshot is the full, exported state of a worker. It is what the pool hands
// to callers and what gets persisted.
type Snapshot struct {
	ID             string     `json:"id"`
	Credential     Credential `json:"credential"`
	Status         Status     `json:"status"`
	CooldownUntil  time.Time  `json:"cooldown_until,omitempty"`
	FailureCount   int        `json:"failure_count"`
	AddedToday     int        `json:"added_today"`
	ExtractedToday int        `json:"extracted_today"`
	DailyResetAt   time.Time  `json:"daily_reset_at"`
	LastUsedAt     time.Time  `json:"last_used_at,omitempty"`
	TotalAdded     int64      `json:"total_added"`
	TotalExtracted int64      `json:"total_extracted"`
	TotalFailures  int64      `json:"total_failures"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Usage returns the daily counter for the purpose.
func (s Snapshot) Usage(p Purpose) int {
	if p == PurposeExtract {
		return s.ExtractedToday
	}
	return s.AddedToday
}

// Reconstruct rebuilds a worker from a persisted snapshot.
func Reconstruct(s Snapshot) (*Worker, error) {
	if s.ID == "" {
		return nil, fmt.Errorf("worker snapshot has no id")
	}
	if !s.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrStatusUnknown, s.Status)
	}
	return &Worker{
		id:             s.ID,
		credential:     s.Credential,
		status:         s.Status,
		cooldownUntil:  s.CooldownUntil,
		failureCount:   s.FailureCount,
		addedToday:     s.AddedToday,
		extractedToday: s.ExtractedToday,
		dailyResetAt:   s.DailyResetAt,
		lastUsedAt:     s.LastUsedAt,
		totalAdded:     s.TotalAdded,
		totalExtracted: s.TotalExtracted,
		totalFailures:  s.TotalFailures,
		createdAt:      s.CreatedAt,
	}, nil
}

// Snapshot copies the worker's state.
func (w *Worker) Snapshot() Snapshot {
	payload := make(map[string]string, len(w.credential.Payload))
	for k, v := range w.credential.Payload {
		payload[k] = v
	}
	cred := w.credential
	cred.Payload = payload

	return Snapshot{
		ID:             w.id,
		Credential:     cred,
		Status:         w.status,
		CooldownUntil:  w.cooldownUntil,
		FailureCount:   w.failureCount,
		AddedToday:     w.addedToday,
		ExtractedToday: w.extractedToday,
		DailyResetAt:   w.dailyResetAt,
		LastUsedAt:     w.lastUsedAt,
		TotalAdded:     w.totalAdded,
		TotalExtracted: w.totalExtracted,
		TotalFailures:  w.totalFailures,
		CreatedAt:      w.createdAt,
	}
}

func (w *Worker) ID() string                { return w.id }
func (w *Worker) CredentialKey() string     { return w.credential.Key }
func (w *Worker) Handle() string            { return w.credential.Handle }
func (w *Worker) Status() Status            { return w.status }
func (w *Worker) CooldownUntil() time.Time  { return w.cooldownUntil }
func (w *Worker) FailureCount() int         { return w.failureCount }
func (w *Worker) AddedToday() int           { return w.addedToday }
func (w *Worker) ExtractedToday() int       { return w.extractedToday }
func (w *Worker) DailyResetAt() time.Time   { return w.dailyResetAt }
func (w *Worker) LastUsedAt() time.Time     { return w.lastUsedAt }

// Usage returns today's counter for the purpose.
func (w *Worker) Usage(p Purpose) int {
	if p == PurposeExtract {
		return w.extractedToday
	}
	return w.addedToday
}

// Refresh applies lazy rollover: expired cooldowns are lifted, the daily
// window is reset when 24h have elapsed since the last reset and a stale
// DailyLimitReached label is corrected. It reports whether anything changed.
func (w *Worker) Refresh(now time.Time, limits Limits) bool {
	changed := false

	if !w.cooldownUntil.IsZero() && !now.Before(w.cooldownUntil) {
		w.cooldownUntil = time.Time{}
		if w.status == StatusCooldown {
			w.status = StatusActive
			w.failureCount = 0
		}
		changed = true
	}

	if now.Sub(w.dailyResetAt) >= QuotaWindow {
		w.addedToday = 0
		w.extractedToday = 0
		w.dailyResetAt = now
		changed = true
	}

	if w.status == StatusDailyLimitReached && !w.quotaExhausted(limits) {
		w.status = StatusActive
		changed = true
	}

	return changed
}

func (w *Worker) quotaExhausted(limits Limits) bool {
	return w.addedToday >= limits.MaxAddsPerDay || w.extractedToday >= limits.MaxExtractionsPerDay
}

// InCooldown reports whether a cooldown deadline is still in the future.
func (w *Worker) InCooldown(now time.Time) bool {
	return !w.cooldownUntil.IsZero() && now.Before(w.cooldownUntil)
}

// Available reports whether the worker may be handed out for the purpose.
// Callers are expected to Refresh first.
func (w *Worker) Available(now time.Time, p Purpose, limits Limits) bool {
	if w.status != StatusActive || w.InCooldown(now) {
		return false
	}
	return w.Usage(p) < limits.limitFor(p)
}

// RecordSuccess counts one successful operation and flips the worker to
// DailyLimitReached when the counter reaches its limit.
func (w *Worker) RecordSuccess(p Purpose, now time.Time, limits Limits) {
	w.failureCount = 0
	w.lastUsedAt = now

	var counter int
	if p == PurposeExtract {
		w.extractedToday++
		w.totalExtracted++
		counter = w.extractedToday
	} else {
		w.addedToday++
		w.totalAdded++
		counter = w.addedToday
	}

	if counter >= limits.limitFor(p) && w.status == StatusActive {
		w.status = StatusDailyLimitReached
	}
}

// RecordFailure counts a failed operation. It returns true when this failure
// moved the worker into cooldown.
func (w *Worker) RecordFailure(now time.Time, limits Limits) bool {
	w.failureCount++
	w.totalFailures++
	w.lastUsedAt = now

	if w.status == StatusCooldown || w.failureCount < limits.MaxFailuresBeforeCooldown {
		return false
	}
	if w.status != StatusActive && w.status != StatusDailyLimitReached {
		return false
	}
	w.status = StatusCooldown
	w.cooldownUntil = now.Add(limits.CooldownDuration)
	return true
}

// SetStatus applies an explicit transition. Cooldown uses the given duration,
// or the default cooldown when it is zero. Active clears cooldown and failures.
func (w *Worker) SetStatus(s Status, now time.Time, cooldown time.Duration, limits Limits) error {
	if !s.IsValid() {
		return fmt.Errorf("%w: %q", ErrStatusUnknown, s)
	}

	switch s {
	case StatusActive:
		w.cooldownUntil = time.Time{}
		w.failureCount = 0
	case StatusCooldown:
		if cooldown <= 0 {
			cooldown = limits.CooldownDuration
		}
		w.cooldownUntil = now.Add(cooldown)
	}
	w.status = s
	if s == StatusActive && w.quotaExhausted(limits) {
		w.status = StatusDailyLimitReached
	}
	return nil
}

// ResetDaily zeroes quota counters and reactivates a DailyLimitReached worker.
func (w *Worker) ResetDaily(now time.Time) {
	w.addedToday = 0
	w.extractedToday = 0
	w.dailyResetAt = now
	if w.status == StatusDailyLimitReached {
		w.status = StatusActive
	}
}

// MarshalJSON serializes the worker through its snapshot.
func (w *Worker) MarshalJSON() ([]byte, error) {
	if w == nil {
		return []byte("null"), nil
	}
	return json.Marshal(w.Snapshot())
}

// UnmarshalJSON restores the worker from its snapshot form.
func (w *Worker) UnmarshalJSON(data []byte) error {
	if w == nil {
		return fmt.Errorf("cannot unmarshal JSON into nil Worker")
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	restored, err := Reconstruct(s)
	if err != nil {
		return err
	}
	*w = *restored
	return nil
}
