package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

// DeliveryAttemptHeader counts how many times a job has been delivered.
const DeliveryAttemptHeader = "x-delivery-attempt"

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// ConsumerMetrics adds job-pool tracking to the message metrics.
type ConsumerMetrics interface {
	EventBusMetrics
	TrackJob(ctx context.Context, f func() error) error
}

// JobRunner executes one scan job.
type JobRunner interface {
	RunScan(ctx context.Context, job domain.ScanJob) error
}

// JobConsumerConfig configures the job consumer.
type JobConsumerConfig struct {
	JobTopic   string
	RetryTopic string
	// Concurrency bounds how many jobs run at once across all claimed
	// partitions.
	Concurrency int
	// MaxDeliveries is the total number of attempts a retryable job gets.
	MaxDeliveries int
}

// JobConsumer reads scan jobs from the job and retry topics and hands them to
// a JobRunner. Jobs that fail with a retryable error are republished to the
// retry topic until MaxDeliveries is reached.
type JobConsumer struct {
	group    sarama.ConsumerGroup
	producer sarama.SyncProducer
	cfg      JobConsumerConfig
	runner   JobRunner
	sem      *semaphore.Weighted

	logger  *logger.Logger
	metrics ConsumerMetrics
	tracer  trace.Tracer
}

// NewJobConsumer creates a JobConsumer. producer publishes retries.
func NewJobConsumer(
	group sarama.ConsumerGroup,
	producer sarama.SyncProducer,
	cfg JobConsumerConfig,
	runner JobRunner,
	log *logger.Logger,
	metrics ConsumerMetrics,
	tracer trace.Tracer,
) (*JobConsumer, error) {
	if cfg.JobTopic == "" {
		return nil, errors.New("job topic is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 1
	}

	return &JobConsumer{
		group:    group,
		producer: producer,
		cfg:      cfg,
		runner:   runner,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger: log.With(
			"component", "kafka_job_consumer",
			"job_topic", cfg.JobTopic,
			"retry_topic", cfg.RetryTopic,
		),
		metrics: metrics,
		tracer:  tracer,
	}, nil
}

func (c *JobConsumer) topics() []string {
	topics := []string{c.cfg.JobTopic}
	if c.cfg.RetryTopic != "" && c.cfg.RetryTopic != c.cfg.JobTopic {
		topics = append(topics, c.cfg.RetryTopic)
	}
	return topics
}

// Run consumes until ctx is cancelled. Consumer group errors are logged and
// the session is re-joined.
func (c *JobConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "Job consumer started", "topics", c.topics(), "concurrency", c.cfg.Concurrency)

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error(ctx, "Consumer group error", "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics(), c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Setup logs how many jobs this member can actually run at once. Messages
// of one partition are handled in order, so the bound is the smaller of the
// configured concurrency and the number of claimed partitions.
func (c *JobConsumer) Setup(sess sarama.ConsumerGroupSession) error {
	claims := sess.Claims()
	effective := EffectiveConcurrency(claims, c.cfg.Concurrency)
	c.logger.Info(sess.Context(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
		"claimed_partitions", claimedPartitions(claims),
		"effective_concurrency", effective,
	)
	if effective < c.cfg.Concurrency {
		c.logger.Warn(sess.Context(),
			"Fewer partitions claimed than configured concurrency; add partitions to the job topic to run more jobs at once",
			"configured_concurrency", c.cfg.Concurrency,
			"effective_concurrency", effective,
		)
	}
	return nil
}

// EffectiveConcurrency returns min(limit, partitions claimed across topics).
func EffectiveConcurrency(claims map[string][]int32, limit int) int {
	return min(limit, claimedPartitions(claims))
}

func claimedPartitions(claims map[string][]int32) int {
	n := 0
	for _, partitions := range claims {
		n += len(partitions)
	}
	return n
}

func (c *JobConsumer) Cleanup(sess sarama.ConsumerGroupSession) error {
	c.logger.Info(sess.Context(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim handles a partition's messages in order. The semaphore is
// shared by every claim, so at most Concurrency jobs run across partitions.
// Offsets are marked and committed once a message has been fully handled.
func (c *JobConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	c.logger.Info(ctx, "Starting to consume from partition",
		"topic", claim.Topic(),
		"partition", claim.Partition(),
		"member_id", sess.MemberID(),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			if err := c.sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			err := c.HandleMessage(ctx, msg)
			c.sem.Release(1)

			if err != nil {
				// Leave the offset unmarked so the message is read again
				// after the session restarts.
				return err
			}
			sess.MarkMessage(msg, "")
			sess.Commit()
		}
	}
}

// HandleMessage processes one job message. A nil return means the message is
// finished with (succeeded, rejected, retried, or exhausted) and its offset
// may be committed. A non-nil return means it must be read again.
func (c *JobConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	msgCtx := tracing.ExtractTraceContext(ctx, msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, c.tracer)
	defer span.End()

	attempt := deliveryAttempt(msg)
	log := c.logger.With(
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"attempt", attempt,
	)

	var job domain.ScanJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "undecodable job")
		c.metrics.IncConsumeError(msgCtx, msg.Topic)
		log.Error(msgCtx, "Dropping undecodable job message", "error", err)
		return nil
	}
	span.SetAttributes(attribute.String("scan_id", job.ScanID), attribute.Int("attempt", attempt))
	log = log.With("scan_id", job.ScanID)
	log.Info(msgCtx, "Received scan job")

	err := c.metrics.TrackJob(msgCtx, func() error { return c.runner.RunScan(msgCtx, job) })
	if err == nil {
		c.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		span.SetStatus(codes.Ok, "job completed")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "job failed")

	// Shutdown interrupted the job; let the next owner of the partition
	// pick it up again.
	if ctx.Err() != nil {
		log.Warn(msgCtx, "Job interrupted by shutdown", "error", err)
		return ctx.Err()
	}

	c.metrics.IncConsumeError(msgCtx, msg.Topic)

	if !Retryable(err) {
		log.Error(msgCtx, "Job rejected, not retrying", "error", err)
		return nil
	}
	if attempt >= c.cfg.MaxDeliveries || c.cfg.RetryTopic == "" {
		log.Error(msgCtx, "Job failed, deliveries exhausted", "error", err, "max_deliveries", c.cfg.MaxDeliveries)
		return nil
	}

	if perr := c.republish(msgCtx, msg, attempt+1); perr != nil {
		log.Error(msgCtx, "Failed to schedule job retry", "error", perr)
		return perr
	}
	log.Warn(msgCtx, "Job failed, scheduled retry", "error", err, "next_attempt", attempt+1)

	return nil
}

func (c *JobConsumer) republish(ctx context.Context, msg *sarama.ConsumerMessage, attempt int) error {
	ctx, span := tracing.StartProducerSpan(ctx, c.cfg.RetryTopic, c.tracer)
	defer span.End()

	out := &sarama.ProducerMessage{
		Topic: c.cfg.RetryTopic,
		Key:   sarama.ByteEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{{
			Key:   []byte(DeliveryAttemptHeader),
			Value: []byte(strconv.Itoa(attempt)),
		}},
	}
	tracing.InjectTraceContext(ctx, out)

	if _, _, err := c.producer.SendMessage(out); err != nil {
		span.RecordError(err)
		c.metrics.IncPublishError(ctx, c.cfg.RetryTopic)
		return fmt.Errorf("failed to send retry to kafka topic %s: %w", c.cfg.RetryTopic, err)
	}
	c.metrics.IncMessagePublished(ctx, c.cfg.RetryTopic)

	return nil
}

// Retryable reports whether a failed job may succeed on another delivery.
// Malformed jobs and invalid targets never will.
func Retryable(err error) bool {
	if errors.Is(err, domain.ErrInvalidInput) {
		return false
	}
	var verr *domain.TargetValidationError
	return !errors.As(err, &verr)
}

func deliveryAttempt(msg *sarama.ConsumerMessage) int {
	for _, h := range msg.Headers {
		if h == nil || string(h.Key) != DeliveryAttemptHeader {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
