package sessions

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/session"
)

// Summary is the listing view of a session.
type Summary struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      session.Status `json:"status"`
	Progress    float64        `json:"progress"`
	ErrorCount  int            `json:"error_count"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

func summarize(s *session.Session) Summary {
	return Summary{
		ID:          s.ID(),
		Type:        s.Type(),
		Status:      s.Status(),
		Progress:    s.Progress(),
		ErrorCount:  len(s.Errors()),
		CreatedAt:   s.CreatedAt(),
		UpdatedAt:   s.UpdatedAt(),
		CompletedAt: s.CompletedAt(),
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Type     string
	Statuses []session.Status
}

func (f Filter) matches(s *session.Session) bool {
	if f.Type != "" && s.Type() != f.Type {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if s.Status() == st {
			return true
		}
	}
	return false
}

// List returns summaries of matching sessions, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Summary, error) {
	var out []Summary
	err := s.scan(ctx, func(sess *session.Session) error {
		if filter.matches(sess) {
			out = append(out, summarize(sess))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MetricAggregate summarizes the samples of one metric.
type MetricAggregate struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Last  float64 `json:"last"`
}

// Report is the detailed view of one session.
type Report struct {
	Summary
	Duration     time.Duration                         `json:"duration"`
	EventCount   int                                   `json:"event_count"`
	ErrorsByKind map[string]int                        `json:"errors_by_kind"`
	LastError    *session.ErrorEntry                   `json:"last_error,omitempty"`
	Processed    int                                   `json:"processed"`
	Succeeded    int                                   `json:"succeeded"`
	Failed       int                                   `json:"failed"`
	SuccessRate  float64                               `json:"success_rate"`
	Metrics      map[string]map[string]MetricAggregate `json:"metrics"`
	HasRecovery  bool                                  `json:"has_recovery_point"`
}

// Report builds the detailed view of a session.
func (s *Store) Report(ctx context.Context, id string) (Report, error) {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return Report{}, err
	}
	return buildReport(sess), nil
}

func buildReport(sess *session.Session) Report {
	state := sess.State()
	errs := sess.Errors()

	r := Report{
		Summary:      summarize(sess),
		Duration:     sess.Duration(),
		EventCount:   len(sess.Events()),
		ErrorsByKind: make(map[string]int),
		Processed:    session.Int(state, "processed"),
		Succeeded:    session.Int(state, "succeeded"),
		Failed:       session.Int(state, "failed"),
		Metrics:      make(map[string]map[string]MetricAggregate),
		HasRecovery:  sess.RecoveryPoint() != nil,
	}
	for _, e := range errs {
		r.ErrorsByKind[e.Kind]++
	}
	if len(errs) > 0 {
		last := errs[len(errs)-1]
		r.LastError = &last
	}
	if attempted := r.Succeeded + r.Failed; attempted > 0 {
		r.SuccessRate = float64(r.Succeeded) / float64(attempted)
	}

	for cat, names := range sess.Metrics() {
		agg := make(map[string]MetricAggregate, len(names))
		for name, entries := range names {
			agg[name] = aggregate(entries)
		}
		r.Metrics[cat] = agg
	}
	return r
}

func aggregate(entries []session.MetricEntry) MetricAggregate {
	if len(entries) == 0 {
		return MetricAggregate{}
	}
	a := MetricAggregate{Count: len(entries), Min: math.Inf(1), Max: math.Inf(-1)}
	var sum float64
	for _, e := range entries {
		sum += e.Value
		a.Min = math.Min(a.Min, e.Value)
		a.Max = math.Max(a.Max, e.Value)
	}
	a.Avg = sum / float64(len(entries))
	a.Last = entries[len(entries)-1].Value
	return a
}

// Export is the store-wide summary.
type Export struct {
	GeneratedAt time.Time              `json:"generated_at"`
	Total       int                    `json:"total"`
	ByStatus    map[session.Status]int `json:"by_status"`
	ByType      map[string]int         `json:"by_type"`
	Sessions    []Summary              `json:"sessions"`
}

// ExportSummary summarizes every known session.
func (s *Store) ExportSummary(ctx context.Context) (Export, error) {
	all, err := s.List(ctx, Filter{})
	if err != nil {
		return Export{}, err
	}
	out := Export{
		GeneratedAt: s.timeProvider.Now(),
		Total:       len(all),
		ByStatus:    make(map[session.Status]int),
		ByType:      make(map[string]int),
		Sessions:    all,
	}
	for _, sum := range all {
		out.ByStatus[sum.Status]++
		out.ByType[sum.Type]++
	}
	return out, nil
}
