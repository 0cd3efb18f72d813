package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

func TestInitTelemetry_WithoutEndpointIsNoop(t *testing.T) {
	providers, cleanup, err := InitTelemetry(logger.Noop(), Config{ServiceName: "adder"})
	require.NoError(t, err)
	defer cleanup(context.Background())

	assert.IsType(t, noop.NewTracerProvider(), providers.Tracer)
	assert.NotNil(t, providers.Meter)
}

func TestGetTraceID(t *testing.T) {
	assert.Equal(t, "00000000000000000000000000000000", GetTraceID(context.Background()))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})

	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", GetTraceID(ctx))
}

func TestNewResource(t *testing.T) {
	res := NewResource("adder")
	v, ok := res.Set().Value("service.name")
	require.True(t, ok)
	assert.Equal(t, "adder", v.AsString())
}
