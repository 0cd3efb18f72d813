// Package otel bootstraps OpenTelemetry tracing and metrics for the CLI.
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

// Config defines the information needed to init telemetry.
type Config struct {
	ServiceName        string            `yaml:"service_name" mapstructure:"service_name"`
	ExporterEndpoint   string            `yaml:"exporter_endpoint" mapstructure:"exporter_endpoint"`
	Probability        float64           `yaml:"probability" mapstructure:"probability" validate:"gte=0,lte=1"`
	ResourceAttributes map[string]string `yaml:"resource_attributes" mapstructure:"resource_attributes"`
	Insecure           bool              `yaml:"insecure" mapstructure:"insecure"`
}

// Providers bundles what InitTelemetry sets up.
type Providers struct {
	Tracer trace.TracerProvider
	Meter  metric.MeterProvider
}

// InitTelemetry configures OTLP/gRPC exporters when an endpoint is set and
// installs them as the global providers. Without an endpoint it returns noop
// providers and a cleanup that does nothing.
func InitTelemetry(log *logger.Logger, cfg Config) (Providers, func(ctx context.Context), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.ExporterEndpoint == "" {
		return Providers{Tracer: tracenoop.NewTracerProvider(), Meter: metricnoop.NewMeterProvider()},
			func(context.Context) {}, nil
	}

	res := NewResource(cfg.ServiceName, attributesFromMap(cfg.ResourceAttributes)...)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.ExporterEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.ExporterEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return Providers{}, nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	probability := cfg.Probability
	if probability == 0 {
		probability = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(probability))),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithMaxQueueSize(2048),
		),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	cleanup := func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down tracer provider", "error", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			log.Error(ctx, "shutting down meter provider", "error", err)
		}
	}

	return Providers{Tracer: tp, Meter: mp}, cleanup, nil
}

func attributesFromMap(m map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
