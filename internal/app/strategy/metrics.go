package strategy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics defines the observations strategies emit.
type Metrics interface {
	IncTransfers(ctx context.Context, strategy Kind, success bool)
	IncExtracted(ctx context.Context, strategy Kind, n int)
	IncWorkerSwitches(ctx context.Context, strategy Kind)
	ObserveDelay(ctx context.Context, strategy Kind, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) IncTransfers(context.Context, Kind, bool)          {}
func (noopMetrics) IncExtracted(context.Context, Kind, int)           {}
func (noopMetrics) IncWorkerSwitches(context.Context, Kind)           {}
func (noopMetrics) ObserveDelay(context.Context, Kind, time.Duration) {}

type strategyMetrics struct {
	transfers        metric.Int64Counter
	transferFailures metric.Int64Counter
	extracted        metric.Int64Counter
	workerSwitches   metric.Int64Counter
	delay            metric.Float64Histogram
}

const namespace = "adder"

// NewMetrics creates strategy metrics on the given provider.
func NewMetrics(mp metric.MeterProvider) (Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(strategyMetrics)
	var err error

	if m.transfers, err = meter.Int64Counter(
		"strategy_transfers_total",
		metric.WithDescription("Total number of transfer attempts"),
	); err != nil {
		return nil, err
	}

	if m.transferFailures, err = meter.Int64Counter(
		"strategy_transfer_failures_total",
		metric.WithDescription("Total number of failed transfer attempts"),
	); err != nil {
		return nil, err
	}

	if m.extracted, err = meter.Int64Counter(
		"strategy_extracted_entities_total",
		metric.WithDescription("Total number of new entities extracted from sources"),
	); err != nil {
		return nil, err
	}

	if m.workerSwitches, err = meter.Int64Counter(
		"strategy_worker_switches_total",
		metric.WithDescription("Total number of worker switches"),
	); err != nil {
		return nil, err
	}

	if m.delay, err = meter.Float64Histogram(
		"strategy_delay_seconds",
		metric.WithDescription("Delay applied between transfers"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func strategyAttr(k Kind) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("strategy", string(k)))
}

func (m *strategyMetrics) IncTransfers(ctx context.Context, k Kind, success bool) {
	m.transfers.Add(ctx, 1, strategyAttr(k))
	if !success {
		m.transferFailures.Add(ctx, 1, strategyAttr(k))
	}
}

func (m *strategyMetrics) IncExtracted(ctx context.Context, k Kind, n int) {
	m.extracted.Add(ctx, int64(n), strategyAttr(k))
}

func (m *strategyMetrics) IncWorkerSwitches(ctx context.Context, k Kind) {
	m.workerSwitches.Add(ctx, 1, strategyAttr(k))
}

func (m *strategyMetrics) ObserveDelay(ctx context.Context, k Kind, d time.Duration) {
	m.delay.Record(ctx, d.Seconds(), strategyAttr(k))
}
