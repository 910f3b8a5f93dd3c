// Package scanning drives scan jobs through the external scanners: it opens
// scan contexts, runs every target through each adapter in order, normalizes
// the raw output, and records the outcome on the scan.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

// Stage names a step of an in-progress scan.
type Stage string

const (
	StageValidating       Stage = "validating"
	StageContextCreating  Stage = "context_creating"
	StageTargetScanning   Stage = "target_scanning"
	StageAlertCollecting  Stage = "alert_collecting"
	StageResultPersisting Stage = "result_persisting"
	StageContextCleanup   Stage = "context_cleanup"
)

// stageError tags a stage-terminal error with the stage it ended. Its message
// is the underlying error's, so it reads naturally on the scan record.
type stageError struct {
	stage Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func stageOf(err error) Stage {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return ""
}

// maxWarnings bounds how many tool diagnostics are kept on a scan record.
const maxWarnings = 100

// ContextName derives the scan context name from the scan id. It is stable
// across redeliveries so a retry reuses (and first clears) the same name.
func ContextName(scanID string) string { return "scan-" + scanID }

// Orchestrator runs one scan job at a time per call; concurrent calls for
// different scans are safe. Targets within a scan are always scanned
// sequentially because a control-plane scanner's progress is tracked per
// context and concurrent drives against one context interfere.
type Orchestrator struct {
	id string

	repo       domain.ScanRepository
	notifier   domain.CompletionNotifier
	scanners   []Scanner
	normalizer *Normalizer
	now        func() time.Time

	logger  *logger.Logger
	metrics OrchestratorMetrics
	tracer  trace.Tracer
}

// NewOrchestrator creates an Orchestrator that drives scanners in the given
// order for every target. Each scanner must be a ProcessScanner or a
// ContextScanner and names must be unique. notifier may be nil.
func NewOrchestrator(
	id string,
	repo domain.ScanRepository,
	notifier domain.CompletionNotifier,
	scanners []Scanner,
	log *logger.Logger,
	metrics OrchestratorMetrics,
	tracer trace.Tracer,
) (*Orchestrator, error) {
	if len(scanners) == 0 {
		return nil, errors.New("orchestrator requires at least one scanner")
	}

	seen := make(map[string]struct{}, len(scanners))
	for _, s := range scanners {
		switch s.(type) {
		case ContextScanner, ProcessScanner:
		default:
			return nil, fmt.Errorf("scanner %q is neither a process nor a context scanner", s.Name())
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, fmt.Errorf("duplicate scanner name %q", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}

	return &Orchestrator{
		id:         id,
		repo:       repo,
		notifier:   notifier,
		scanners:   scanners,
		normalizer: NewNormalizer(),
		now:        time.Now,
		logger:     log.With("component", "orchestrator", "orchestrator_id", id),
		metrics:    metrics,
		tracer:     tracer,
	}, nil
}

// RunScan drives one job from InProgress to Completed or Failed.
//
// Invalid jobs (no scan id, no targets, unknown scan) are rejected with an
// error wrapping domain.ErrInvalidInput before any status change. A job for a
// scan that already completed is a no-op. Any stage failure marks the scan
// Failed with the error's message and returns that error so the queue can
// redeliver. Scan contexts are released on every path once the final status
// has been recorded; release failures are only logged.
func (o *Orchestrator) RunScan(ctx context.Context, job domain.ScanJob) error {
	if err := job.Validate(); err != nil {
		return err
	}

	logger := logger.NewLoggerContext(o.logger.With(
		"operation", "run_scan",
		"scan_id", job.ScanID,
		"num_targets", len(job.Request.TargetURLs),
	))
	ctx, span := o.tracer.Start(ctx, "orchestrator.scanning.run_scan",
		trace.WithAttributes(
			attribute.String("component", "orchestrator"),
			attribute.String("scan_id", job.ScanID),
			attribute.Int("num_targets", len(job.Request.TargetURLs)),
		))
	defer span.End()

	scan, err := o.repo.GetScan(ctx, job.ScanID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to load scan")
		if errors.Is(err, domain.ErrScanNotFound) {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
		return &domain.PersistenceError{Op: "get scan", Err: err}
	}

	if scan.Status() == domain.ScanStatusCompleted {
		logger.Info(ctx, "Scan already completed, skipping redelivered job")
		span.AddEvent("scan_already_completed")
		return nil
	}

	if err := scan.Start(job.Request, o.now()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if err := o.repo.UpdateScan(ctx, scan); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mark scan in progress")
		return &domain.PersistenceError{Op: "mark in progress", Err: err}
	}
	o.metrics.IncScansStarted(ctx)
	logger.Info(ctx, "Scan in progress")
	span.AddEvent("scan_in_progress")

	startTime := time.Now()

	// Status bookkeeping and cleanup must survive a cancelled job context.
	bgCtx := context.WithoutCancel(ctx)

	scope := NewScope(logger.Logger())
	defer func() {
		span.AddEvent("context_cleanup")
		if failures := scope.Release(bgCtx); failures > 0 {
			o.metrics.IncCleanupFailures(bgCtx, failures)
		}
		o.metrics.ObserveScanDuration(bgCtx, time.Since(startTime))
	}()

	raws, warnings, err := o.collect(ctx, logger, span, scope, job)
	scan.AddWarnings(warnings...)
	if err != nil {
		return o.fail(bgCtx, logger, span, scan, err)
	}

	findings := o.normalizer.Normalize(job.ScanID, raws, job.Request)
	stats := domain.ComputeStats(findings)
	span.SetAttributes(
		attribute.Int("raw_findings", len(raws)),
		attribute.Int("findings", len(findings)),
	)

	completed := *scan
	if err := completed.Complete(stats, o.now()); err != nil {
		return o.fail(bgCtx, logger, span, scan, &stageError{stage: StageResultPersisting, err: err})
	}
	if err := o.repo.SaveResults(ctx, &completed, findings); err != nil {
		perr := &domain.PersistenceError{Op: "save results", Err: err}
		return o.fail(bgCtx, logger, span, scan, &stageError{stage: StageResultPersisting, err: perr})
	}
	*scan = completed

	o.metrics.IncScansCompleted(ctx)
	o.metrics.ObserveFindings(ctx, stats.Total)
	span.AddEvent("scan_completed")
	span.SetStatus(codes.Ok, "scan completed")
	logger.Info(ctx, "Scan completed",
		"total_findings", stats.Total,
		"critical", stats.Counts.Critical,
		"high", stats.Counts.High,
		"medium", stats.Counts.Medium,
		"low", stats.Counts.Low,
		"info", stats.Counts.Info,
		"warnings", len(scan.Warnings()),
	)

	o.notifyCompleted(bgCtx, logger, job)

	return nil
}

// collect runs the context-creating, target-scanning and alert-collecting
// stages and returns every raw finding along with tool warnings.
func (o *Orchestrator) collect(
	ctx context.Context,
	logger *logger.LoggerContext,
	span trace.Span,
	scope *Scope,
	job domain.ScanJob,
) ([]RawFinding, []string, error) {
	targets := job.Request.TargetURLs
	opts := OptionsFromRequest(job.Request)

	for _, s := range o.scanners {
		if err := s.ValidateTargets(targets); err != nil {
			return nil, nil, &stageError{stage: StageValidating, err: err}
		}
	}

	span.AddEvent("context_creating")
	contexts := make(map[string]ScanContext)
	var opened []ScanContext
	for _, s := range o.scanners {
		cs, ok := s.(ContextScanner)
		if !ok {
			continue
		}

		sc, err := cs.OpenContext(ctx, ContextName(job.ScanID))
		if err != nil {
			return nil, nil, &stageError{
				stage: StageContextCreating,
				err:   fmt.Errorf("creating %s scan context: %w", cs.Name(), err),
			}
		}
		scope.Hold(cs.Name()+" context "+sc.Name(), sc.Close)

		if err := sc.IncludeTargets(ctx, targets); err != nil {
			return nil, nil, &stageError{
				stage: StageContextCreating,
				err:   fmt.Errorf("registering targets in %s scan context: %w", cs.Name(), err),
			}
		}
		contexts[cs.Name()] = sc
		opened = append(opened, sc)
		logger.Info(ctx, "Scan context ready", "scanner", cs.Name(), "context", sc.Name())
	}

	var (
		raws     []RawFinding
		warnings []string
	)
	addWarnings := func(scanner string, ws []string) {
		for _, w := range ws {
			if len(warnings) >= maxWarnings {
				return
			}
			warnings = append(warnings, scanner+": "+w)
		}
	}

	for i, target := range targets {
		span.AddEvent("target_scanning", trace.WithAttributes(
			attribute.Int("target_index", i),
			attribute.String("target", target),
		))
		logger.Info(ctx, "Scanning target", "target", target, "target_index", i)

		for _, s := range o.scanners {
			var err error
			switch sc := s.(type) {
			case ContextScanner:
				err = contexts[sc.Name()].ScanTarget(ctx, target, opts)
			case ProcessScanner:
				var res RawResult
				res, err = sc.Scan(ctx, target, opts)
				raws = append(raws, res.Findings...)
				addWarnings(sc.Name(), res.Warnings)
			}
			if err != nil {
				return raws, warnings, &stageError{
					stage: StageTargetScanning,
					err:   fmt.Errorf("scanning target %s with %s: %w", target, s.Name(), err),
				}
			}
		}
	}

	span.AddEvent("alert_collecting")
	for _, sc := range opened {
		alerts, err := sc.Alerts(ctx, targets)
		if err != nil {
			return raws, warnings, &stageError{
				stage: StageAlertCollecting,
				err:   fmt.Errorf("collecting alerts from context %s: %w", sc.Name(), err),
			}
		}
		raws = append(raws, alerts...)
	}

	return raws, warnings, nil
}

// fail marks the scan Failed with cause's message and returns cause. If the
// failure itself cannot be recorded both errors are returned.
func (o *Orchestrator) fail(
	ctx context.Context,
	logger *logger.LoggerContext,
	span trace.Span,
	scan *domain.Scan,
	cause error,
) error {
	stage := stageOf(cause)
	span.RecordError(cause)
	span.SetStatus(codes.Error, "scan failed")
	logger.Error(ctx, "Scan failed", "stage", stage, "error", cause)

	if err := scan.Fail(cause, o.now()); err != nil {
		return errors.Join(cause, err)
	}
	if err := o.repo.UpdateScan(ctx, scan); err != nil {
		logger.Error(ctx, "Failed to record scan failure", "error", err)
		return errors.Join(cause, &domain.PersistenceError{Op: "mark failed", Err: err})
	}
	o.metrics.IncScansFailed(ctx, stage)

	return cause
}

func (o *Orchestrator) notifyCompleted(ctx context.Context, logger *logger.LoggerContext, job domain.ScanJob) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := o.notifier.NotifyScanCompleted(ctx, job.ScanID, job.ProjectID); err != nil {
		logger.Warn(ctx, "Failed to publish scan completion notification", "error", err)
	}
}
