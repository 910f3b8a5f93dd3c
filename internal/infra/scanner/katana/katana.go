// Package katana adapts the katana web crawler. Every crawled endpoint
// becomes an informational raw finding.
package katana

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/internal/infra/scanner"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

const name = "katana"

// Config controls how katana is launched.
type Config struct {
	// Binary is the executable name or path. Defaults to "katana".
	Binary string
	// Depth is the maximum crawl depth; zero keeps katana's default.
	Depth int
}

var _ scanning.ProcessScanner = (*Scanner)(nil)

// Scanner crawls one target at a time.
type Scanner struct {
	cfg  Config
	proc *scanner.Process

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a katana adapter. A nil runner executes the real binary.
func NewScanner(cfg Config, runner scanner.CommandRunner, log *logger.Logger, tracer trace.Tracer) *Scanner {
	if cfg.Binary == "" {
		cfg.Binary = name
	}
	log = log.With("component", "katana_scanner")
	return &Scanner{
		cfg:    cfg,
		proc:   scanner.NewProcess(name, cfg.Binary, runner, log, tracer),
		logger: log,
		tracer: tracer,
	}
}

func (s *Scanner) Name() string { return name }

func (s *Scanner) ValidateTargets(urls []string) error { return scanner.ValidateTargets(urls) }

// CheckAvailable reports whether the katana binary can be found.
func (s *Scanner) CheckAvailable() error { return s.proc.CheckAvailable() }

// BuildArgs returns the katana command line for target. The crawl duration
// flag mirrors the scan timeout so katana stops on its own before the
// process is killed.
func (s *Scanner) BuildArgs(target string, opts scanning.Options) []string {
	args := []string{"-u", target, "-jsonl", "-silent", "-nc"}
	if opts.RateLimit > 0 {
		args = append(args, "-rl", strconv.Itoa(opts.RateLimit))
	}
	if s.cfg.Depth > 0 {
		args = append(args, "-d", strconv.Itoa(s.cfg.Depth))
	}
	if minutes := int(opts.Timeout / time.Minute); minutes > 0 {
		args = append(args, "-ct", strconv.Itoa(minutes)+"m")
	}
	return args
}

// Scan crawls target and returns every discovered endpoint.
func (s *Scanner) Scan(ctx context.Context, target string, opts scanning.Options) (scanning.RawResult, error) {
	ctx, span := s.tracer.Start(ctx, "katana_scanner.scan",
		trace.WithAttributes(
			attribute.String("target", target),
			attribute.Int("depth", s.cfg.Depth),
		))
	defer span.End()

	stdout, warnings, err := s.proc.Run(ctx, s.BuildArgs(target, opts), opts.Timeout)
	if err != nil {
		return scanning.RawResult{Warnings: warnings}, err
	}

	findings, bad := ParseResults(stdout)
	scanner.LogParseErrors(ctx, s.logger, bad)
	span.SetAttributes(
		attribute.Int("endpoints", len(findings)),
		attribute.Int("dropped_records", len(bad)),
	)

	return scanning.RawResult{Findings: findings, Warnings: warnings}, nil
}

// ParseResults decodes katana's JSON lines output.
func ParseResults(stdout []byte) ([]scanning.RawFinding, []*domain.ParseError) {
	return scanner.DecodeLines(name, stdout, decodeRecord)
}

type record struct {
	Timestamp string `json:"timestamp"`
	Request   struct {
		Method    string            `json:"method"`
		Endpoint  string            `json:"endpoint"`
		Tag       string            `json:"tag"`
		Attribute string            `json:"attribute"`
		Source    string            `json:"source"`
		Body      string            `json:"body"`
		Headers   map[string]string `json:"headers"`
	} `json:"request"`
	Response *struct {
		StatusCode   int               `json:"status_code"`
		Headers      map[string]string `json:"headers"`
		Technologies []string          `json:"technologies"`
	} `json:"response"`
}

var errMissingEndpoint = errors.New("record has no request endpoint")

func decodeRecord(line []byte) (scanning.RawFinding, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, err
	}
	if r.Request.Endpoint == "" {
		return nil, errMissingEndpoint
	}

	e := scanning.CrawledEndpoint{
		Scanner:        name,
		URL:            r.Request.Endpoint,
		Method:         r.Request.Method,
		Source:         r.Request.Source,
		Tag:            r.Request.Tag,
		Attribute:      r.Request.Attribute,
		Body:           r.Request.Body,
		RequestHeaders: r.Request.Headers,
		Timestamp:      r.Timestamp,
	}
	if r.Response != nil {
		e.StatusCode = r.Response.StatusCode
		e.ResponseHeaders = r.Response.Headers
		e.Technologies = r.Response.Technologies
		e.ContentType = contentType(r.Response.Headers)
	}

	return e, nil
}

// contentType reads the content type from katana's normalized header keys.
func contentType(h map[string]string) string {
	for _, k := range []string{"content_type", "Content-Type", "content-type"} {
		if v, ok := h[k]; ok {
			return v
		}
	}
	return ""
}
