package progressreporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/transfer"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
)

var _ Reporter = (*KafkaReporter)(nil)

// KafkaConfig addresses the progress topic.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers" mapstructure:"brokers"`
	Topic    string   `yaml:"topic" mapstructure:"topic"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
}

// KafkaReporter publishes snapshots as JSON keyed by session id, so every
// snapshot of one session lands on the same partition in order.
type KafkaReporter struct {
	producer sarama.SyncProducer
	topic    string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewKafkaReporter publishes to topic through producer.
func NewKafkaReporter(producer sarama.SyncProducer, topic string, log *logger.Logger, tracer trace.Tracer) *KafkaReporter {
	return &KafkaReporter{producer: producer, topic: topic, logger: log, tracer: tracer}
}

// NewProducer connects a synchronous producer, retrying with exponential
// backoff while the brokers come up.
func NewProducer(ctx context.Context, cfg KafkaConfig, log *logger.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.ClientID = cfg.ClientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V3_6_0_0

	var producer sarama.SyncProducer
	err := common.ConnectWithRetry(ctx, log, "kafka", 2*time.Minute, func() error {
		var err error
		producer, err = sarama.NewSyncProducer(cfg.Brokers, config)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return producer, nil
}

func (r *KafkaReporter) ReportProgress(ctx context.Context, p transfer.Progress) error {
	ctx, span := r.tracer.Start(ctx, "progress_reporter.report_progress",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(r.topic),
			semconv.MessagingOperationPublish,
			attribute.String("session_id", p.SessionID),
			attribute.Int("processed", p.Processed),
		),
	)
	defer span.End()

	payload, err := json.Marshal(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal progress")
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(p.SessionID),
		Value: sarama.ByteEncoder(payload),
	}
	carrier := &messageCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg.Headers = carrier.headers

	partition, offset, err := r.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish progress")
		return fmt.Errorf("failed to publish progress to kafka topic %s: %w", r.topic, err)
	}
	span.AddEvent("progress_published", trace.WithAttributes(
		attribute.Int("partition", int(partition)),
		attribute.Int64("offset", offset),
	))
	span.SetStatus(codes.Ok, "progress published")

	r.logger.Debug(ctx, "Published progress",
		"topic", r.topic,
		"session_id", p.SessionID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close closes the producer.
func (r *KafkaReporter) Close() error { return r.producer.Close() }
