package resilience

import (
	"sync"
	"time"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
)

// DefaultRecentErrors bounds the ring of recent errors kept for reporting.
const DefaultRecentErrors = 100

// ErrorRecord is one classified error as seen by the manager.
type ErrorRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      fault.Kind     `json:"kind"`
	Message   string         `json:"message"`
	Decision  fault.Decision `json:"decision"`
}

// StatsSnapshot is a point-in-time copy of the error statistics.
type StatsSnapshot struct {
	Total      int                `json:"total"`
	ByKind     map[fault.Kind]int `json:"by_kind"`
	RetryRate  float64            `json:"retry_rate"`
	AbortRate  float64            `json:"abort_rate"`
	SwitchRate float64            `json:"switch_rate"`
	Recent     []ErrorRecord      `json:"recent"`
}

// ErrorStats aggregates classified errors. It is safe for concurrent use.
type ErrorStats struct {
	mu       sync.Mutex
	limit    int
	recent   []ErrorRecord
	total    int
	retries  int
	aborts   int
	switches int
	byKind   map[fault.Kind]int
}

// NewErrorStats creates stats keeping at most limit recent errors.
func NewErrorStats(limit int) *ErrorStats {
	if limit <= 0 {
		limit = DefaultRecentErrors
	}
	return &ErrorStats{limit: limit, byKind: make(map[fault.Kind]int)}
}

// Record adds one error.
func (s *ErrorStats) Record(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.byKind[rec.Kind]++
	if rec.Decision.Retry {
		s.retries++
	}
	if rec.Decision.Abort {
		s.aborts++
	}
	if rec.Decision.SwitchWorker {
		s.switches++
	}

	s.recent = append(s.recent, rec)
	if over := len(s.recent) - s.limit; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
}

// Recent returns up to n of the most recent errors, oldest first.
func (s *ErrorStats) Recent(n int) []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	return append([]ErrorRecord(nil), s.recent[len(s.recent)-n:]...)
}

// Snapshot returns the aggregate view.
func (s *ErrorStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Total:  s.total,
		ByKind: make(map[fault.Kind]int, len(s.byKind)),
		Recent: append([]ErrorRecord(nil), s.recent...),
	}
	for k, v := range s.byKind {
		snap.ByKind[k] = v
	}
	if s.total > 0 {
		total := float64(s.total)
		snap.RetryRate = float64(s.retries) / total
		snap.AbortRate = float64(s.aborts) / total
		snap.SwitchRate = float64(s.switches) / total
	}
	return snap
}

// Reset clears all counters.
func (s *ErrorStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = nil
	s.total, s.retries, s.aborts, s.switches = 0, 0, 0, 0
	s.byKind = make(map[fault.Kind]int)
}
