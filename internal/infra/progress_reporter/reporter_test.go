package progressreporter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

type mockReporter struct{ mock.Mock }

func (m *mockReporter) ReportProgress(ctx context.Context, p transfer.Progress) error {
	return m.Called(ctx, p).Error(0)
}

func sampleProgress() transfer.Progress {
	return transfer.Progress{
		SessionID: "sess-1",
		Processed: 5,
		Total:     10,
		Succeeded: 4,
		Failed:    1,
		Timestamp: time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC),
	}
}

func TestKafkaReporter_ReportProgress(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	tests := []struct {
		name    string
		expect  func(p *mocks.SyncProducer)
		wantErr bool
	}{
		{
			name: "publishes keyed json with trace headers",
			expect: func(p *mocks.SyncProducer) {
				p.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
					if msg.Topic != "adder.progress" {
						return errors.New("wrong topic")
					}
					key, _ := msg.Key.Encode()
					if string(key) != "sess-1" {
						return errors.New("wrong key")
					}
					value, _ := msg.Value.Encode()
					var got transfer.Progress
					if err := json.Unmarshal(value, &got); err != nil {
						return err
					}
					if got.Processed != 5 || got.Total != 10 {
						return errors.New("wrong payload")
					}
					carrier := &messageCarrier{headers: msg.Headers}
					if carrier.Get("traceparent") == "" {
						return errors.New("missing traceparent header")
					}
					return nil
				})
			},
		},
		{
			name: "surfaces producer errors",
			expect: func(p *mocks.SyncProducer) {
				p.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			producer := mocks.NewSyncProducer(t, nil)
			tt.expect(producer)

			r := NewKafkaReporter(producer, "adder.progress", logger.Noop(), noop.NewTracerProvider().Tracer("test"))
			err := r.ReportProgress(ctx, sampleProgress())
			if tt.wantErr {
				assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
			} else {
				assert.NoError(t, err)
			}
			require.NoError(t, r.Close())
		})
	}
}

func TestFanout_ReportsToAllAndJoinsErrors(t *testing.T) {
	ok := new(mockReporter)
	failing := new(mockReporter)
	p := sampleProgress()

	ok.On("ReportProgress", mock.Anything, p).Return(nil).Once()
	failing.On("ReportProgress", mock.Anything, p).Return(assert.AnError).Once()

	err := Fanout{failing, ok}.ReportProgress(context.Background(), p)
	assert.ErrorIs(t, err, assert.AnError)

	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}

func TestCallback_SwallowsReporterErrors(t *testing.T) {
	r := new(mockReporter)
	r.On("ReportProgress", mock.Anything, mock.Anything).Return(assert.AnError).Twice()

	fn := Callback(context.Background(), r, logger.Noop())
	assert.NotPanics(t, func() {
		fn(sampleProgress())
		fn(sampleProgress())
	})
	r.AssertExpectations(t)
}

func TestCallback_OutlivesCanceledContext(t *testing.T) {
	r := new(mockReporter)
	r.On("ReportProgress", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).
		Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	fn := Callback(ctx, r, logger.Noop())
	cancel()

	fn(sampleProgress())
	r.AssertExpectations(t)
}

func TestLogReporter(t *testing.T) {
	assert.NoError(t, NewLogReporter(logger.Noop()).ReportProgress(context.Background(), sampleProgress()))
}
