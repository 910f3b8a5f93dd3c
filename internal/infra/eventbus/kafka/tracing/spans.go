// Package tracing creates OpenTelemetry messaging spans for Kafka and carries
// trace context across the broker in record headers.
package tracing

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// StartProducerSpan creates a new span for producing messages
func StartProducerSpan(ctx context.Context, topic string, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(topic),
			semconv.MessagingOperationPublish,
		),
	)
}

// StartConsumerSpan creates a new span for consuming messages
func StartConsumerSpan(ctx context.Context, msg *sarama.ConsumerMessage, tracer trace.Tracer) (context.Context, trace.Span) {
	return tracer.Start(ctx, "kafka.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingOperationReceive,
			semconv.MessagingKafkaDestinationPartition(int(msg.Partition)),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
		),
	)
}

// InjectTraceContext writes the span context from ctx into the message headers.
func InjectTraceContext(ctx context.Context, msg *sarama.ProducerMessage) {
	otel.GetTextMapPropagator().Inject(ctx, &producerCarrier{msg: msg})
}

// ExtractTraceContext returns ctx carrying the remote span context found in
// the message headers, if any.
func ExtractTraceContext(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, consumerCarrier(msg.Headers))
}

type producerCarrier struct{ msg *sarama.ProducerMessage }

func (c *producerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *producerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if string(h.Key) == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c *producerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, string(h.Key))
	}
	return keys
}

type consumerCarrier []*sarama.RecordHeader

func (c consumerCarrier) Get(key string) string {
	for _, h := range c {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set is a no-op; consumed messages are read-only.
func (c consumerCarrier) Set(string, string) {}

func (c consumerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}
