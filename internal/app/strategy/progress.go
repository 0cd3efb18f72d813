package strategy

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
)

// progressTracker throttles progress callbacks and estimates completion
// from the throughput observed since the run started.
type progressTracker struct {
	fn        transfer.ProgressFunc
	sometimes rate.Sometimes
	clock     Clock

	started        time.Time
	startProcessed int
}

func newProgressTracker(fn transfer.ProgressFunc, interval time.Duration, clock Clock, startProcessed int) *progressTracker {
	return &progressTracker{
		fn:             fn,
		sometimes:      rate.Sometimes{Interval: interval},
		clock:          clock,
		started:        clock.Now(),
		startProcessed: startProcessed,
	}
}

// report delivers p at most once per interval unless force is set.
func (t *progressTracker) report(p transfer.Progress, force bool) {
	if t == nil || t.fn == nil {
		return
	}
	now := t.clock.Now()
	p.Timestamp = now
	p.ETASeconds = t.eta(now, p.Processed, p.Total)
	if force {
		t.fn(p)
		return
	}
	t.sometimes.Do(func() { t.fn(p) })
}

func (t *progressTracker) eta(now time.Time, processed, total int) int {
	done := processed - t.startProcessed
	elapsed := now.Sub(t.started).Seconds()
	remaining := total - processed
	if done <= 0 || elapsed <= 0 || remaining <= 0 {
		return 0
	}
	perItem := elapsed / float64(done)
	return int(perItem * float64(remaining))
}
