package transfer

import (
	"fmt"
	"sync"
	"time"
)

// SlotHours is the length of one scheduling window.
const SlotHours = 4

// TimeWindow is a recurring [StartHour, EndHour) range within a 24h day.
type TimeWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether t's hour of day lies inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	h := t.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	// Window wraps past midnight.
	return h >= w.StartHour || h < w.EndHour
}

func (w TimeWindow) String() string { return fmt.Sprintf("%02d:00-%02d:00", w.StartHour, w.EndHour) }

// DaySlots returns the six 4-hour windows tiling a day.
func DaySlots() []TimeWindow {
	slots := make([]TimeWindow, 0, 24/SlotHours)
	for start := 0; start < 24; start += SlotHours {
		slots = append(slots, TimeWindow{StartHour: start, EndHour: start + SlotHours})
	}
	return slots
}

// WorkerGroup is a scheduling partition of the pool. Workers are referenced
// by id; the pool remains the owner of their state.
type WorkerGroup struct {
	mu sync.Mutex

	id        string
	workerIDs []string
	windows   []TimeWindow

	succeeded int
	failed    int
}

// NewWorkerGroup creates a group over the given worker ids.
func NewWorkerGroup(id string, workerIDs []string) *WorkerGroup {
	return &WorkerGroup{id: id, workerIDs: append([]string(nil), workerIDs...)}
}

func (g *WorkerGroup) ID() string { return g.id }

// WorkerIDs returns the member ids.
func (g *WorkerGroup) WorkerIDs() []string { return append([]string(nil), g.workerIDs...) }

// Windows returns the scheduled windows.
func (g *WorkerGroup) Windows() []TimeWindow {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]TimeWindow(nil), g.windows...)
}

// Schedule adds a window to the group.
func (g *WorkerGroup) Schedule(w TimeWindow) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windows = append(g.windows, w)
}

// ActiveAt reports whether any window contains t.
func (g *WorkerGroup) ActiveAt(t time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, w := range g.windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// RecordOutcome counts one operation performed by a member.
func (g *WorkerGroup) RecordOutcome(success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if success {
		g.succeeded++
	} else {
		g.failed++
	}
}

// SuccessRate returns the percentage of successful operations, 100 when idle.
func (g *WorkerGroup) SuccessRate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := g.succeeded + g.failed
	if total == 0 {
		return 100
	}
	return float64(g.succeeded) / float64(total) * 100
}

// PlanGroups partitions worker ids into groups of groupSize and assigns the
// day's 4-hour slots so every slot has at least one group. With fewer groups
// than slots, groups take several slots; with more, slots are shared.
func PlanGroups(workerIDs []string, groupSize int) []*WorkerGroup {
	if groupSize <= 0 {
		groupSize = 1
	}

	var groups []*WorkerGroup
	for i := 0; i < len(workerIDs); i += groupSize {
		end := min(i+groupSize, len(workerIDs))
		groups = append(groups, NewWorkerGroup(fmt.Sprintf("group_%d", len(groups)), workerIDs[i:end]))
	}
	if len(groups) == 0 {
		return nil
	}

	slots := DaySlots()
	for j, slot := range slots {
		groups[j%len(groups)].Schedule(slot)
	}
	for i := len(slots); i < len(groups); i++ {
		groups[i].Schedule(slots[i%len(slots)])
	}
	return groups
}
