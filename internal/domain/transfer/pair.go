package transfer

import (
	"fmt"
	"sync"
	"time"
)

// DefaultPairFailureThreshold is the consecutive failure count that
// quarantines a pair.
const DefaultPairFailureThreshold = 5

// PairStats are the cumulative counters of a group pair.
type PairStats struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Extracted int    `json:"extracted"`
	Processed int    `json:"processed"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// PairState is the persisted form of a GroupPair.
type PairState struct {
	Source              string    `json:"source"`
	Target              string    `json:"target"`
	Priority            int       `json:"priority"`
	Cache               []Entity  `json:"cache"`
	Offset              int       `json:"offset"`
	Active              bool      `json:"active"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DeactivatedAt       time.Time `json:"deactivated_at,omitempty"`
	SourceExhausted     bool      `json:"source_exhausted"`
	TargetFull          bool      `json:"target_full"`
	Stats               PairStats `json:"stats"`
}

// GroupPair is a (source, target) collection pairing with its own extraction
// cache and activity flag. It is safe for concurrent use by the strategy
// loop and its monitor.
type GroupPair struct {
	mu sync.Mutex

	source   string
	target   string
	priority int

	cache  []Entity
	offset int

	active              bool
	consecutiveFailures int
	deactivatedAt       time.Time
	sourceExhausted     bool
	targetFull          bool

	stats PairStats
}

// NewGroupPair creates an active pair.
func NewGroupPair(source, target string, priority int) *GroupPair {
	return &GroupPair{
		source:   source,
		target:   target,
		priority: priority,
		active:   true,
		stats:    PairStats{Source: source, Target: target},
	}
}

// ReconstructGroupPair restores a pair from its persisted state.
func ReconstructGroupPair(s PairState) *GroupPair {
	stats := s.Stats
	stats.Source, stats.Target = s.Source, s.Target
	return &GroupPair{
		source:              s.Source,
		target:              s.Target,
		priority:            s.Priority,
		cache:               append([]Entity(nil), s.Cache...),
		offset:              s.Offset,
		active:              s.Active,
		consecutiveFailures: s.ConsecutiveFailures,
		deactivatedAt:       s.DeactivatedAt,
		sourceExhausted:     s.SourceExhausted,
		targetFull:          s.TargetFull,
		stats:               stats,
	}
}

// Key identifies the pair.
func (p *GroupPair) Key() string { return PairKey(p.source, p.target) }

// PairKey builds the identifier of a (source, target) pair.
func PairKey(source, target string) string { return fmt.Sprintf("%s->%s", source, target) }

func (p *GroupPair) Source() string { return p.source }
func (p *GroupPair) Target() string { return p.target }
func (p *GroupPair) Priority() int  { return p.priority }

// State snapshots the pair for persistence.
func (p *GroupPair) State() PairState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PairState{
		Source:              p.source,
		Target:              p.target,
		Priority:            p.priority,
		Cache:               append([]Entity(nil), p.cache...),
		Offset:              p.offset,
		Active:              p.active,
		ConsecutiveFailures: p.consecutiveFailures,
		DeactivatedAt:       p.deactivatedAt,
		SourceExhausted:     p.sourceExhausted,
		TargetFull:          p.targetFull,
		Stats:               p.stats,
	}
}

// Stats returns the cumulative counters.
func (p *GroupPair) Stats() PairStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// IsActive reports whether the pair may be scheduled.
func (p *GroupPair) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// ConsecutiveFailures returns the current failure streak.
func (p *GroupPair) ConsecutiveFailures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consecutiveFailures
}

// SourceExhausted reports whether extraction drained the source.
func (p *GroupPair) SourceExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sourceExhausted
}

// TargetFull reports whether the target refuses further members.
func (p *GroupPair) TargetFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.targetFull
}

// CacheLen returns the number of cached entities awaiting transfer.
func (p *GroupPair) CacheLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache)
}

// Offset returns the next extraction offset.
func (p *GroupPair) Offset() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// HasWork reports whether the pair can produce or transfer anything.
func (p *GroupPair) HasWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.targetFull && (len(p.cache) > 0 || !p.sourceExhausted)
}

// NeedsExtraction reports whether the cache is empty and the source is not drained.
func (p *GroupPair) NeedsExtraction() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cache) == 0 && !p.sourceExhausted && !p.targetFull
}

// AddExtracted appends new entities to the cache. rawCount is the number the
// source returned before deduplication; fresh holds the unseen ones. A batch
// that returned results but nothing new marks the source exhausted, as does
// an empty batch.
func (p *GroupPair) AddExtracted(rawCount int, fresh []Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.offset += rawCount
	p.stats.Extracted += len(fresh)
	if len(fresh) == 0 {
		p.sourceExhausted = true
		return
	}
	p.cache = append(p.cache, fresh...)
}

// MarkSourceExhausted flags the source as drained.
func (p *GroupPair) MarkSourceExhausted() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sourceExhausted = true
}

// MarkTargetFull flags the target as refusing new members.
func (p *GroupPair) MarkTargetFull() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targetFull = true
}

// Pop removes up to n entities from the head of the cache.
func (p *GroupPair) Pop(n int) []Entity {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > len(p.cache) {
		n = len(p.cache)
	}
	out := append([]Entity(nil), p.cache[:n]...)
	p.cache = p.cache[n:]
	return out
}

// Requeue puts entities back at the head of the cache.
func (p *GroupPair) Requeue(entities ...Entity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = append(append([]Entity(nil), entities...), p.cache...)
}

// RecordSuccess advances counters and clears the failure streak.
func (p *GroupPair) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Processed++
	p.stats.Succeeded++
	p.consecutiveFailures = 0
}

// RecordFailure advances counters and the failure streak. When the streak
// reaches threshold the pair is deactivated; it reports whether this call did so.
func (p *GroupPair) RecordFailure(now time.Time, threshold int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Processed++
	p.stats.Failed++
	p.consecutiveFailures++
	if p.active && p.consecutiveFailures >= threshold {
		p.active = false
		p.deactivatedAt = now
		return true
	}
	return false
}

// Deactivate quarantines the pair.
func (p *GroupPair) Deactivate(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		p.active = false
		p.deactivatedAt = now
	}
}

// CanReactivate reports whether an inactive pair's quarantine has elapsed and
// its source still has entities.
func (p *GroupPair) CanReactivate(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canReactivateLocked(now, timeout)
}

func (p *GroupPair) canReactivateLocked(now time.Time, timeout time.Duration) bool {
	if p.active || p.targetFull {
		return false
	}
	if p.sourceExhausted && len(p.cache) == 0 {
		return false
	}
	return now.Sub(p.deactivatedAt) >= timeout
}

// TryReactivate reactivates the pair when CanReactivate holds.
func (p *GroupPair) TryReactivate(now time.Time, timeout time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canReactivateLocked(now, timeout) {
		return false
	}
	p.active = true
	p.consecutiveFailures = 0
	p.deactivatedAt = time.Time{}
	return true
}
