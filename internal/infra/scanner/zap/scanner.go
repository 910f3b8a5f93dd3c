package zap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	"github.com/ahrav/websec-armada/internal/infra/scanner"
	"github.com/ahrav/websec-armada/pkg/common/logger"
	"github.com/ahrav/websec-armada/pkg/common/poll"
)

const (
	defaultAlertPageSize = 500
	progressComplete     = 100
	stopTimeout          = 10 * time.Second
)

// Config tunes the ZAP adapter.
type Config struct {
	// Poll bounds how long each spider and active scan may run.
	Poll poll.Policy
	// AlertPageSize is the page size used when fetching alerts.
	AlertPageSize int
}

var _ scanning.ContextScanner = (*Scanner)(nil)

// Scanner is the context-scoped ZAP adapter.
type Scanner struct {
	client *Client
	cfg    Config

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a ZAP adapter on top of client.
func NewScanner(client *Client, cfg Config, log *logger.Logger, tracer trace.Tracer) *Scanner {
	if cfg.AlertPageSize <= 0 {
		cfg.AlertPageSize = defaultAlertPageSize
	}
	return &Scanner{
		client: client,
		cfg:    cfg,
		logger: log.With("component", "zap_scanner"),
		tracer: tracer,
	}
}

func (s *Scanner) Name() string { return toolName }

func (s *Scanner) ValidateTargets(urls []string) error { return scanner.ValidateTargets(urls) }

// OpenContext creates a fresh context called name. A context left behind by
// an earlier delivery of the same scan is removed first.
func (s *Scanner) OpenContext(ctx context.Context, name string) (scanning.ScanContext, error) {
	ctx, span := s.tracer.Start(ctx, "zap_scanner.open_context",
		trace.WithAttributes(attribute.String("context_name", name)))
	defer span.End()

	switch err := s.client.RemoveContext(ctx, name); {
	case err == nil:
		s.logger.Info(ctx, "Removed stale ZAP context", "context", name)
	case errors.Is(err, ErrContextNotFound):
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("removing stale context %s: %w", name, err)
	}

	id, err := s.client.NewContext(ctx, name)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("context_id", id))

	return &scanContext{
		id:      id,
		name:    name,
		scanner: s,
		logger:  s.logger.With("context", name),
	}, nil
}

// scanContext is one open ZAP context.
type scanContext struct {
	id      string
	name    string
	scanner *Scanner
	logger  *logger.Logger
}

func (c *scanContext) Name() string { return c.name }

// IncludeRegex is the scope pattern registered for target.
func IncludeRegex(target string) string { return "^" + regexp.QuoteMeta(target) + ".*" }

func (c *scanContext) IncludeTargets(ctx context.Context, targets []string) error {
	for _, t := range targets {
		if err := c.scanner.client.IncludeInContext(ctx, c.name, IncludeRegex(t)); err != nil {
			return fmt.Errorf("including %s: %w", t, err)
		}
	}
	return nil
}

// ScanTarget spiders target and then actively scans it, waiting for each to
// finish. A scan that does not finish in time is stopped and reported as
// poll.ErrTimeout.
func (c *scanContext) ScanTarget(ctx context.Context, target string, opts scanning.Options) error {
	ctx, span := c.scanner.tracer.Start(ctx, "zap_scanner.scan_target",
		trace.WithAttributes(
			attribute.String("context_name", c.name),
			attribute.String("target", target),
		))
	defer span.End()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	client := c.scanner.client

	spiderID, err := client.SpiderScan(ctx, target, c.name)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting spider: %w", err)
	}
	c.logger.Info(ctx, "Spider started", "target", target, "spider_id", spiderID)

	err = c.await(ctx, func(ctx context.Context) (int, error) { return client.SpiderStatus(ctx, spiderID) })
	if err != nil {
		c.stop(ctx, "spider", func(ctx context.Context) error { return client.StopSpider(ctx, spiderID) })
		span.RecordError(err)
		return fmt.Errorf("spider %s: %w", spiderID, err)
	}
	span.AddEvent("spider_completed")

	ascanID, err := client.ActiveScan(ctx, target, c.id)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("starting active scan: %w", err)
	}
	c.logger.Info(ctx, "Active scan started", "target", target, "ascan_id", ascanID)

	err = c.await(ctx, func(ctx context.Context) (int, error) { return client.ActiveScanStatus(ctx, ascanID) })
	if err != nil {
		c.stop(ctx, "active scan", func(ctx context.Context) error { return client.StopActiveScan(ctx, ascanID) })
		span.RecordError(err)
		return fmt.Errorf("active scan %s: %w", ascanID, err)
	}
	span.AddEvent("active_scan_completed")

	return nil
}

func (c *scanContext) await(ctx context.Context, progress func(context.Context) (int, error)) error {
	return poll.Await(ctx, func(ctx context.Context) (bool, error) {
		p, err := progress(ctx)
		if err != nil {
			return false, err
		}
		return p >= progressComplete, nil
	}, c.scanner.cfg.Poll)
}

// stop is best effort: the context is removed afterwards regardless.
func (c *scanContext) stop(ctx context.Context, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Warn(ctx, "Failed to stop unfinished "+what, "error", err)
	}
}

// Alerts pages through the alerts raised under each target. Alerts reported
// under more than one target prefix are returned once.
func (c *scanContext) Alerts(ctx context.Context, targets []string) ([]scanning.RawFinding, error) {
	ctx, span := c.scanner.tracer.Start(ctx, "zap_scanner.alerts",
		trace.WithAttributes(attribute.String("context_name", c.name)))
	defer span.End()

	pageSize := c.scanner.cfg.AlertPageSize
	seen := make(map[string]struct{})
	var out []scanning.RawFinding

	for _, target := range targets {
		for start := 0; ; start += pageSize {
			page, err := c.scanner.client.Alerts(ctx, target, start, pageSize)
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("fetching alerts for %s: %w", target, err)
			}
			if len(page.Malformed) > 0 {
				scanner.LogParseErrors(ctx, c.logger, page.Malformed)
				span.AddEvent("malformed_alerts_dropped",
					trace.WithAttributes(attribute.Int("count", len(page.Malformed))))
			}
			for _, a := range page.Alerts {
				if a.ID != "" {
					if _, dup := seen[a.ID]; dup {
						continue
					}
					seen[a.ID] = struct{}{}
				}
				out = append(out, toRawAlert(a))
			}
			if page.Fetched < pageSize {
				break
			}
		}
	}

	span.SetAttributes(attribute.Int("alerts", len(out)))
	return out, nil
}

// Close removes the context from ZAP.
func (c *scanContext) Close(ctx context.Context) error {
	err := c.scanner.client.RemoveContext(ctx, c.name)
	if errors.Is(err, ErrContextNotFound) {
		return nil
	}
	return err
}

func toRawAlert(a alert) scanning.Alert {
	name := a.Name
	if name == "" {
		name = a.Alert
	}
	return scanning.Alert{
		Scanner:     toolName,
		ID:          a.ID,
		PluginID:    a.PluginID,
		AlertRef:    a.AlertRef,
		Name:        name,
		Description: a.Description,
		Risk:        a.Risk,
		Confidence:  a.Confidence,
		CWEID:       a.CWEID,
		WASCID:      a.WASCID,
		URL:         a.URL,
		Method:      a.Method,
		Param:       a.Param,
		Attack:      a.Attack,
		Evidence:    a.Evidence,
		Other:       a.Other,
		Solution:    a.Solution,
		Reference:   a.Reference,
		InputVector: a.InputVector,
		MessageID:   a.MessageID,
		SourceID:    a.SourceID,
		Tags:        a.Tags,
	}
}
