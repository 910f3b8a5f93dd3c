package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/websec-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

// ScanCompletedEvent is published when a scan reaches Completed.
type ScanCompletedEvent struct {
	ScanID    string `json:"scanId"`
	ProjectID string `json:"projectId,omitempty"`
}

// Notifier publishes scan completion events to a Kafka topic keyed by scan id.
type Notifier struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	metrics EventBusMetrics
	tracer  trace.Tracer
}

// NewNotifier creates a Notifier that publishes to topic.
func NewNotifier(
	producer sarama.SyncProducer,
	topic string,
	log *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) *Notifier {
	return &Notifier{
		producer: producer,
		topic:    topic,
		logger:   log.With("component", "kafka_notifier", "topic", topic),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// NotifyScanCompleted publishes a ScanCompletedEvent.
func (n *Notifier) NotifyScanCompleted(ctx context.Context, scanID, projectID string) error {
	ctx, span := n.tracer.Start(ctx, "kafka_notifier.notify_scan_completed",
		trace.WithAttributes(
			attribute.String("scan_id", scanID),
			attribute.String("project_id", projectID),
		))
	defer span.End()

	payload, err := json.Marshal(ScanCompletedEvent{ScanID: scanID, ProjectID: projectID})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal completion event: %w", err)
	}

	msgCtx, msgSpan := tracing.StartProducerSpan(ctx, n.topic, n.tracer)
	defer msgSpan.End()

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(scanID),
		Value: sarama.ByteEncoder(payload),
	}
	tracing.InjectTraceContext(msgCtx, msg)

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		msgSpan.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish completion event")
		n.metrics.IncPublishError(ctx, n.topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", n.topic, err)
	}
	n.metrics.IncMessagePublished(ctx, n.topic)
	n.logger.Debug(ctx, "Published scan completion",
		"scan_id", scanID,
		"partition", partition,
		"offset", offset,
	)

	return nil
}
