package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrchestratorMetrics defines the metrics the orchestrator records per scan.
type OrchestratorMetrics interface {
	IncScansStarted(ctx context.Context)
	IncScansCompleted(ctx context.Context)
	IncScansFailed(ctx context.Context, stage Stage)
	IncCleanupFailures(ctx context.Context, count int)
	ObserveScanDuration(ctx context.Context, d time.Duration)
	ObserveFindings(ctx context.Context, count int)
}

// workerMetrics implements OrchestratorMetrics along with the messaging and
// job-pool metrics used by the queue consumer.
type workerMetrics struct {
	// Scan metrics
	scansStarted    metric.Int64Counter
	scansCompleted  metric.Int64Counter
	scansFailed     metric.Int64Counter
	cleanupFailures metric.Int64Counter
	scanDuration    metric.Float64Histogram
	findingsPerScan metric.Int64Histogram

	// Messaging metrics
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter

	// Job pool metrics
	activeJobs metric.Int64UpDownCounter
}

const namespace = "scan_worker"

// NewWorkerMetrics creates the worker's metric instruments.
func NewWorkerMetrics(mp metric.MeterProvider) (*workerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(workerMetrics)
	var err error

	if m.scansStarted, err = meter.Int64Counter(
		"scans_started_total",
		metric.WithDescription("Total number of scans started"),
	); err != nil {
		return nil, err
	}

	if m.scansCompleted, err = meter.Int64Counter(
		"scans_completed_total",
		metric.WithDescription("Total number of scans completed"),
	); err != nil {
		return nil, err
	}

	if m.scansFailed, err = meter.Int64Counter(
		"scans_failed_total",
		metric.WithDescription("Total number of scans failed, by stage"),
	); err != nil {
		return nil, err
	}

	if m.cleanupFailures, err = meter.Int64Counter(
		"scan_cleanup_failures_total",
		metric.WithDescription("Total number of scan context releases that failed"),
	); err != nil {
		return nil, err
	}

	if m.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Wall-clock time of a scan job"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.findingsPerScan, err = meter.Int64Histogram(
		"findings_per_scan",
		metric.WithDescription("Number of normalized findings persisted per scan"),
	); err != nil {
		return nil, err
	}

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of messages published"),
	); err != nil {
		return nil, err
	}

	if m.messagesConsumed, err = meter.Int64Counter(
		"messages_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of publish errors"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"consume_errors_total",
		metric.WithDescription("Total number of consume errors"),
	); err != nil {
		return nil, err
	}

	if m.activeJobs, err = meter.Int64UpDownCounter(
		"active_jobs",
		metric.WithDescription("Number of scan jobs currently running"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *workerMetrics) IncScansStarted(ctx context.Context) { m.scansStarted.Add(ctx, 1) }

func (m *workerMetrics) IncScansCompleted(ctx context.Context) { m.scansCompleted.Add(ctx, 1) }

func (m *workerMetrics) IncScansFailed(ctx context.Context, stage Stage) {
	m.scansFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
}

func (m *workerMetrics) IncCleanupFailures(ctx context.Context, count int) {
	m.cleanupFailures.Add(ctx, int64(count))
}

func (m *workerMetrics) ObserveScanDuration(ctx context.Context, d time.Duration) {
	m.scanDuration.Record(ctx, d.Seconds())
}

func (m *workerMetrics) ObserveFindings(ctx context.Context, count int) {
	m.findingsPerScan.Record(ctx, int64(count))
}

func (m *workerMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *workerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

// TrackJob records a job as active for the duration of f.
func (m *workerMetrics) TrackJob(ctx context.Context, f func() error) error {
	m.activeJobs.Add(ctx, 1)
	defer m.activeJobs.Add(ctx, -1)
	return f()
}
