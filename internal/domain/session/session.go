// Package session models the durable, resumable record of a long-running
// transfer operation: its status, progress, free-form state, history, event
// and error logs, metrics and recovery point.
package session

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit caps the number of prior state snapshots kept.
const DefaultHistoryLimit = 100

// TimeProvider abstracts time for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Event is one entry of the append-only event log.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// ErrorEntry is one classified error recorded against the session.
type ErrorEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// MetricEntry is one recorded metric sample.
type MetricEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// StateSnapshot is a prior version of the state map.
type StateSnapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
}

// Session is the unit of resumable state for one operation. All mutation
// goes through its methods; accessors return copies.
type Session struct {
	id          string
	sessionType string
	status      Status
	progress    float64

	state        map[string]any
	history      []StateSnapshot
	historyLimit int

	events        []Event
	errors        []ErrorEntry
	metrics       map[string]map[string][]MetricEntry
	recoveryPoint map[string]any
	customData    map[string]any
	checkpoints   map[string]map[string]any

	createdAt   time.Time
	updatedAt   time.Time
	completedAt time.Time

	timeProvider TimeProvider
}

// Option configures a Session.
type Option func(*Session)

// WithTimeProvider sets the clock used for timestamps.
func WithTimeProvider(tp TimeProvider) Option {
	return func(s *Session) { s.timeProvider = tp }
}

// WithHistoryLimit overrides the state history cap.
func WithHistoryLimit(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithID sets an explicit id instead of a generated one.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New creates a session of the given type in the Created status.
func New(sessionType string, opts ...Option) *Session {
	s := &Session{
		id:           uuid.New().String(),
		sessionType:  sessionType,
		status:       StatusCreated,
		state:        map[string]any{},
		historyLimit: DefaultHistoryLimit,
		metrics:      map[string]map[string][]MetricEntry{},
		customData:   map[string]any{},
		checkpoints:  map[string]map[string]any{},
		timeProvider: realTimeProvider{},
	}
	for _, opt := range opts {
		opt(s)
	}
	now := s.timeProvider.Now()
	s.createdAt = now
	s.updatedAt = now
	s.logEvent(now, "created", fmt.Sprintf("session of type %s created", sessionType), nil)
	return s
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Type() string           { return s.sessionType }
func (s *Session) Status() Status         { return s.status }
func (s *Session) Progress() float64      { return s.progress }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }
func (s *Session) UpdatedAt() time.Time   { return s.updatedAt }
func (s *Session) CompletedAt() time.Time { return s.completedAt }

// State returns a copy of the current state map.
func (s *Session) State() map[string]any { return cloneMap(s.state) }

// History returns a copy of the prior state snapshots, oldest first.
func (s *Session) History() []StateSnapshot {
	out := make([]StateSnapshot, len(s.history))
	for i, h := range s.history {
		out[i] = StateSnapshot{Timestamp: h.Timestamp, State: cloneMap(h.State)}
	}
	return out
}

// Events returns a copy of the event log.
func (s *Session) Events() []Event { return append([]Event(nil), s.events...) }

// Errors returns a copy of the error list.
func (s *Session) Errors() []ErrorEntry { return append([]ErrorEntry(nil), s.errors...) }

// LastErrors returns up to n of the most recent errors.
func (s *Session) LastErrors(n int) []ErrorEntry {
	if n <= 0 || n >= len(s.errors) {
		return s.Errors()
	}
	return append([]ErrorEntry(nil), s.errors[len(s.errors)-n:]...)
}

// Metrics returns a copy of the recorded metrics keyed by category then name.
func (s *Session) Metrics() map[string]map[string][]MetricEntry {
	out := make(map[string]map[string][]MetricEntry, len(s.metrics))
	for cat, names := range s.metrics {
		inner := make(map[string][]MetricEntry, len(names))
		for name, entries := range names {
			inner[name] = append([]MetricEntry(nil), entries...)
		}
		out[cat] = inner
	}
	return out
}

// RecoveryPoint returns a copy of the recovery point, or nil when unset.
func (s *Session) RecoveryPoint() map[string]any {
	if s.recoveryPoint == nil {
		return nil
	}
	return cloneMap(s.recoveryPoint)
}

// CustomData returns a copy of the custom data map.
func (s *Session) CustomData() map[string]any { return cloneMap(s.customData) }

// Duration is the time between creation and completion, or now when running.
func (s *Session) Duration() time.Duration {
	end := s.completedAt
	if end.IsZero() {
		end = s.timeProvider.Now()
	}
	return end.Sub(s.createdAt)
}

// UpdateState shallowly merges partial into the state. When trackHistory is
// set the prior state is appended to the history ring first. A "progress"
// key sets progress directly; otherwise "processed"/"total" derive it.
func (s *Session) UpdateState(partial map[string]any, trackHistory bool) error {
	normalized, err := normalize(partial)
	if err != nil {
		return fmt.Errorf("failed to normalize state update: %w", err)
	}

	now := s.timeProvider.Now()
	if trackHistory {
		s.history = append(s.history, StateSnapshot{Timestamp: now, State: cloneMap(s.state)})
		if over := len(s.history) - s.historyLimit; over > 0 {
			s.history = append([]StateSnapshot(nil), s.history[over:]...)
		}
	}

	for k, v := range normalized {
		s.state[k] = v
	}

	if p, ok := toFloat(normalized["progress"]); ok {
		s.setProgress(p)
	} else {
		processed, okP := toFloat(s.state["processed"])
		total, okT := toFloat(s.state["total"])
		if okP && okT && total > 0 {
			s.setProgress(processed / total * 100)
		}
	}

	s.updatedAt = now
	return nil
}

func (s *Session) setProgress(p float64) {
	p = math.Max(0, math.Min(100, p))
	if p > s.progress {
		s.progress = p
	}
}

// SetStatus transitions the session and logs the change. Completed and
// Failed stamp the completion time; Completed also pins progress at 100.
func (s *Session) SetStatus(target Status, reason string) error {
	if err := s.status.validateTransition(target); err != nil {
		return err
	}
	if s.status == target {
		return nil
	}

	now := s.timeProvider.Now()
	prev := s.status
	s.status = target
	if target.IsTerminal() {
		s.completedAt = now
	}
	if target == StatusCompleted {
		s.progress = 100
	}

	msg := fmt.Sprintf("status changed from %s to %s", prev, target)
	if reason != "" {
		msg += ": " + reason
	}
	s.logEvent(now, "status_change", msg, map[string]any{"from": prev.String(), "to": target.String()})
	s.updatedAt = now
	return nil
}

// LogEvent appends to the event log.
func (s *Session) LogEvent(eventType, message string, data map[string]any) {
	now := s.timeProvider.Now()
	s.logEvent(now, eventType, message, data)
	s.updatedAt = now
}

func (s *Session) logEvent(now time.Time, eventType, message string, data map[string]any) {
	s.events = append(s.events, Event{Timestamp: now, Type: eventType, Message: message, Data: cloneMap(data)})
}

// LogError appends a classified error.
func (s *Session) LogError(kind, message string, details map[string]any) {
	now := s.timeProvider.Now()
	s.errors = append(s.errors, ErrorEntry{Timestamp: now, Kind: kind, Message: message, Details: cloneMap(details)})
	s.updatedAt = now
}

// RecordMetric appends a metric sample under category/name.
func (s *Session) RecordMetric(name string, value float64, category string) {
	if category == "" {
		category = "general"
	}
	now := s.timeProvider.Now()
	if s.metrics[category] == nil {
		s.metrics[category] = map[string][]MetricEntry{}
	}
	s.metrics[category][name] = append(s.metrics[category][name], MetricEntry{Timestamp: now, Value: value})
	s.updatedAt = now
}

// SetRecoveryPoint stores a snapshot sufficient to resume the operation.
func (s *Session) SetRecoveryPoint(point map[string]any) error {
	normalized, err := normalize(point)
	if err != nil {
		return fmt.Errorf("failed to normalize recovery point: %w", err)
	}
	now := s.timeProvider.Now()
	normalized["timestamp"] = now.Format(time.RFC3339Nano)
	s.recoveryPoint = normalized
	s.logEvent(now, "recovery_point", "recovery point set", nil)
	s.updatedAt = now
	return nil
}

// ClearRecoveryPoint removes the recovery point.
func (s *Session) ClearRecoveryPoint() {
	s.recoveryPoint = nil
	s.updatedAt = s.timeProvider.Now()
}

// SetCustomData stores an arbitrary value under key.
func (s *Session) SetCustomData(key string, value any) error {
	normalized, err := normalize(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("failed to normalize custom data: %w", err)
	}
	s.customData[key] = normalized[key]
	s.updatedAt = s.timeProvider.Now()
	return nil
}

// Checkpoint saves the current state under a name.
func (s *Session) Checkpoint(name string) {
	now := s.timeProvider.Now()
	s.checkpoints[name] = cloneMap(s.state)
	s.logEvent(now, "checkpoint", fmt.Sprintf("checkpoint %q saved", name), nil)
	s.updatedAt = now
}

// RestoreCheckpoint replaces the state with a named checkpoint. The current
// state is pushed onto the history first.
func (s *Session) RestoreCheckpoint(name string) error {
	cp, ok := s.checkpoints[name]
	if !ok {
		return fmt.Errorf("checkpoint %q not found", name)
	}
	now := s.timeProvider.Now()
	s.history = append(s.history, StateSnapshot{Timestamp: now, State: cloneMap(s.state)})
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append([]StateSnapshot(nil), s.history[over:]...)
	}
	s.state = cloneMap(cp)
	s.logEvent(now, "checkpoint_restored", fmt.Sprintf("checkpoint %q restored", name), nil)
	s.updatedAt = now
	return nil
}

// Checkpoints lists the saved checkpoint names.
func (s *Session) Checkpoints() []string {
	names := make([]string, 0, len(s.checkpoints))
	for name := range s.checkpoints {
		names = append(names, name)
	}
	return names
}

// sessionDTO is the persisted form of a Session.
type sessionDTO struct {
	ID            string                              `json:"id"`
	Type          string                              `json:"type"`
	Status        Status                              `json:"status"`
	Progress      float64                             `json:"progress"`
	State         map[string]any                      `json:"state"`
	History       []StateSnapshot                     `json:"state_history"`
	HistoryLimit  int                                 `json:"history_limit"`
	Events        []Event                             `json:"event_log"`
	Errors        []ErrorEntry                        `json:"errors"`
	Metrics       map[string]map[string][]MetricEntry `json:"metrics"`
	RecoveryPoint map[string]any                      `json:"recovery_point,omitempty"`
	CustomData    map[string]any                      `json:"custom_data"`
	Checkpoints   map[string]map[string]any           `json:"checkpoints,omitempty"`
	CreatedAt     time.Time                           `json:"created_at"`
	UpdatedAt     time.Time                           `json:"updated_at"`
	CompletedAt   time.Time                           `json:"completed_at,omitempty"`
}

// MarshalJSON serializes the session.
func (s *Session) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	return json.Marshal(sessionDTO{
		ID:            s.id,
		Type:          s.sessionType,
		Status:        s.status,
		Progress:      s.progress,
		State:         s.state,
		History:       s.history,
		HistoryLimit:  s.historyLimit,
		Events:        s.events,
		Errors:        s.errors,
		Metrics:       s.metrics,
		RecoveryPoint: s.recoveryPoint,
		CustomData:    s.customData,
		Checkpoints:   s.checkpoints,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
		CompletedAt:   s.completedAt,
	})
}

// UnmarshalJSON restores a session. The clock defaults to wall time.
func (s *Session) UnmarshalJSON(data []byte) error {
	if s == nil {
		return fmt.Errorf("cannot unmarshal JSON into nil Session")
	}
	var dto sessionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	if dto.ID == "" {
		return fmt.Errorf("session has no id")
	}
	if _, ok := transitions[dto.Status]; !ok {
		return fmt.Errorf("%w: %q", ErrStatusUnknown, dto.Status)
	}

	tp := s.timeProvider
	if tp == nil {
		tp = realTimeProvider{}
	}
	limit := dto.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	*s = Session{
		id:            dto.ID,
		sessionType:   dto.Type,
		status:        dto.Status,
		progress:      dto.Progress,
		state:         orEmpty(dto.State),
		history:       dto.History,
		historyLimit:  limit,
		events:        dto.Events,
		errors:        dto.Errors,
		metrics:       dto.Metrics,
		recoveryPoint: dto.RecoveryPoint,
		customData:    orEmpty(dto.CustomData),
		checkpoints:   dto.Checkpoints,
		createdAt:     dto.CreatedAt,
		updatedAt:     dto.UpdatedAt,
		completedAt:   dto.CompletedAt,
		timeProvider:  tp,
	}
	if s.metrics == nil {
		s.metrics = map[string]map[string][]MetricEntry{}
	}
	if s.checkpoints == nil {
		s.checkpoints = map[string]map[string]any{}
	}
	return nil
}

// Decode restores a session from its JSON form using the given options.
func Decode(data []byte, opts ...Option) (*Session, error) {
	s := &Session{}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return s, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// normalize converts values to their JSON-decoded form so in-memory state is
// identical to what a reload from storage produces.
func normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, err := normalize(m)
	if err != nil {
		// Values already passed normalization on the way in.
		out = make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Int reads an integer value from a normalized map.
func Int(m map[string]any, key string) int {
	f, _ := toFloat(m[key])
	return int(f)
}

// String reads a string value from a normalized map.
func String(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Strings reads a string slice from a normalized map.
func Strings(m map[string]any, key string) []string {
	raw, _ := m[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
