// Package progressreporter delivers strategy progress snapshots to observers
// outside the process. Reporters are chained behind a transfer.ProgressFunc so
// the strategies stay unaware of where snapshots end up.
package progressreporter

import (
	"context"
	"errors"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

// Reporter receives one progress snapshot.
type Reporter interface {
	ReportProgress(ctx context.Context, p transfer.Progress) error
}

// Fanout reports to every reporter in order and joins their errors.
type Fanout []Reporter

func (f Fanout) ReportProgress(ctx context.Context, p transfer.Progress) error {
	var errs []error
	for _, r := range f {
		if err := r.ReportProgress(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes each snapshot as a structured log record.
type LogReporter struct{ logger *logger.Logger }

func NewLogReporter(log *logger.Logger) *LogReporter { return &LogReporter{logger: log} }

func (r *LogReporter) ReportProgress(ctx context.Context, p transfer.Progress) error {
	r.logger.Info(ctx, "Transfer progress",
		"session_id", p.SessionID,
		"processed", p.Processed,
		"total", p.Total,
		"succeeded", p.Succeeded,
		"failed", p.Failed,
		"worker", p.CurrentWorker,
		"pair", p.CurrentPair,
		"eta_seconds", p.ETASeconds,
	)
	return nil
}

// Callback adapts r to the strategy progress callback. Delivery failures are
// logged and never interrupt the run.
func Callback(ctx context.Context, r Reporter, log *logger.Logger) transfer.ProgressFunc {
	ctx = context.WithoutCancel(ctx)
	return func(p transfer.Progress) {
		if err := r.ReportProgress(ctx, p); err != nil {
			log.Warn(ctx, "Failed to report progress", "session_id", p.SessionID, "error", err)
		}
	}
}
