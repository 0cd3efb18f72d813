package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/fault"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

// RetryConfig bounds the retry executor.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// MaxBackoffFactor caps the exponential growth relative to BaseDelay.
	MaxBackoffFactor float64
	// Jitter randomizes each backoff by +/- this fraction.
	Jitter float64
}

// DefaultRetryConfig returns 5 retries, a 20s base, a 300s ceiling, a
// growth cap of 10x and 20% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:       5,
		BaseDelay:        20 * time.Second,
		MaxDelay:         300 * time.Second,
		MaxBackoffFactor: 10,
		Jitter:           0.2,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Attempt describes one failed call handed to a RetryHook.
type Attempt struct {
	Number   int
	Err      error
	Fault    *fault.Error
	Decision fault.Decision
}

// RetryHook observes every failed attempt before the executor waits. It is
// where callers switch workers or apply cooldowns. A non-nil return stops
// retrying and is returned to the caller.
type RetryHook func(ctx context.Context, a Attempt) error

// RetryExecutor runs operations under the decision engine.
type RetryExecutor struct {
	cfg     RetryConfig
	manager *Manager
	sleep   Sleeper

	logger *logger.Logger
	tracer trace.Tracer
}

// RetryOption configures a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithSleeper replaces the real sleep, mainly for tests.
func WithSleeper(s Sleeper) RetryOption { return func(r *RetryExecutor) { r.sleep = s } }

// NewRetryExecutor creates an executor.
func NewRetryExecutor(
	cfg RetryConfig,
	manager *Manager,
	log *logger.Logger,
	tracer trace.Tracer,
	opts ...RetryOption,
) *RetryExecutor {
	if cfg.MaxBackoffFactor <= 0 {
		cfg.MaxBackoffFactor = 1
	}
	r := &RetryExecutor{cfg: cfg, manager: manager, sleep: contextSleep, logger: log, tracer: tracer}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryExecutor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = r.cfg.Jitter
	b.MaxInterval = time.Duration(float64(r.cfg.BaseDelay) * r.cfg.MaxBackoffFactor)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op with no hook.
func (r *RetryExecutor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return r.DoWithHook(ctx, name, op, nil)
}

// DoWithHook runs op, retrying up to MaxRetries times. It stops early when
// the decision aborts, or when it neither retries nor switches workers since
// another attempt could not succeed. The last error from op is returned
// unchanged.
func (r *RetryExecutor) DoWithHook(
	ctx context.Context,
	name string,
	op func(ctx context.Context) error,
	hook RetryHook,
) error {
	ctx, span := r.tracer.Start(ctx, "resilience.retry",
		trace.WithAttributes(
			attribute.String("operation", name),
			attribute.Int("max_retries", r.cfg.MaxRetries),
		))
	defer span.End()

	b := r.newBackOff()
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return nil
		}

		fe, d := r.manager.Handle(ctx, lastErr)
		if hook != nil {
			if err := hook(ctx, Attempt{Number: attempt, Err: lastErr, Fault: fe, Decision: d}); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "retry hook stopped execution")
				return err
			}
		}

		if d.Abort || (!d.Retry && !d.SwitchWorker) {
			span.SetStatus(codes.Error, "non retryable error")
			span.RecordError(lastErr)
			return lastErr
		}
		if attempt == r.cfg.MaxRetries {
			break
		}

		delay := r.delay(b, d)
		r.logger.Debug(ctx, "Retrying operation",
			"operation", name,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error_kind", fe.Kind,
		)
		span.AddEvent("retry_scheduled", trace.WithAttributes(
			attribute.Int("attempt", attempt+1),
			attribute.String("delay", delay.String()),
		))
		if err := r.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}

	span.SetStatus(codes.Error, "retries exhausted")
	span.RecordError(lastErr)
	r.logger.Warn(ctx, "Retries exhausted", "operation", name, "attempts", r.cfg.MaxRetries+1)
	return lastErr
}

// delay is max(suggested, backoff) capped at MaxDelay. A worker switch
// starts the next attempt on a fresh worker, so the old worker's wait does
// not apply.
func (r *RetryExecutor) delay(b *backoff.ExponentialBackOff, d fault.Decision) time.Duration {
	next := b.NextBackOff()
	if d.SwitchWorker {
		return 0
	}
	suggested := time.Duration(d.CooldownSeconds) * time.Second
	delay := next
	if suggested > delay {
		delay = suggested
	}
	if r.cfg.MaxDelay > 0 && delay > r.cfg.MaxDelay {
		delay = r.cfg.MaxDelay
	}
	return delay
}

// String describes the configuration.
func (c RetryConfig) String() string {
	return fmt.Sprintf("retries=%d base=%s max=%s", c.MaxRetries, c.BaseDelay, c.MaxDelay)
}
