// Package nuclei adapts the nuclei template scanner: one process per target,
// results read as JSON lines from stdout.
package nuclei

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/internal/infra/scanner"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

const name = "nuclei"

// Config controls how nuclei is launched.
type Config struct {
	// Binary is the executable name or path. Defaults to "nuclei".
	Binary string
	// Templates are template paths or directories passed with -t. Empty
	// means nuclei's default template set.
	Templates []string
	// RequestTimeout is nuclei's per-request timeout in seconds.
	RequestTimeout int
}

var _ scanning.ProcessScanner = (*Scanner)(nil)

// Scanner runs nuclei against one target at a time.
type Scanner struct {
	cfg  Config
	proc *scanner.Process

	logger *logger.Logger
	tracer trace.Tracer
}

// NewScanner creates a nuclei adapter. A nil runner executes the real binary.
func NewScanner(cfg Config, runner scanner.CommandRunner, log *logger.Logger, tracer trace.Tracer) *Scanner {
	if cfg.Binary == "" {
		cfg.Binary = name
	}
	log = log.With("component", "nuclei_scanner")
	return &Scanner{
		cfg:    cfg,
		proc:   scanner.NewProcess(name, cfg.Binary, runner, log, tracer),
		logger: log,
		tracer: tracer,
	}
}

func (s *Scanner) Name() string { return name }

func (s *Scanner) ValidateTargets(urls []string) error { return scanner.ValidateTargets(urls) }

// CheckAvailable reports whether the nuclei binary can be found.
func (s *Scanner) CheckAvailable() error { return s.proc.CheckAvailable() }

// BuildArgs returns the nuclei command line for target. The result depends
// only on its inputs.
func (s *Scanner) BuildArgs(target string, opts scanning.Options) []string {
	args := []string{"-u", target, "-jsonl", "-silent", "-nc"}
	if opts.RateLimit > 0 {
		args = append(args, "-rl", strconv.Itoa(opts.RateLimit))
	}
	if len(opts.SeverityLevels) > 0 {
		levels := make([]string, len(opts.SeverityLevels))
		for i, sev := range opts.SeverityLevels {
			levels[i] = sev.String()
		}
		args = append(args, "-severity", strings.Join(levels, ","))
	}
	if s.cfg.RequestTimeout > 0 {
		args = append(args, "-timeout", strconv.Itoa(s.cfg.RequestTimeout))
	}
	for _, t := range s.cfg.Templates {
		args = append(args, "-t", t)
	}
	return args
}

// Scan runs nuclei against target and parses every result line. Malformed
// lines are logged and dropped.
func (s *Scanner) Scan(ctx context.Context, target string, opts scanning.Options) (scanning.RawResult, error) {
	ctx, span := s.tracer.Start(ctx, "nuclei_scanner.scan",
		trace.WithAttributes(
			attribute.String("target", target),
			attribute.Int("rate_limit", opts.RateLimit),
		))
	defer span.End()

	stdout, warnings, err := s.proc.Run(ctx, s.BuildArgs(target, opts), opts.Timeout)
	if err != nil {
		return scanning.RawResult{Warnings: warnings}, err
	}

	findings, bad := ParseResults(stdout)
	scanner.LogParseErrors(ctx, s.logger, bad)
	span.SetAttributes(
		attribute.Int("findings", len(findings)),
		attribute.Int("dropped_records", len(bad)),
	)

	return scanning.RawResult{Findings: findings, Warnings: warnings}, nil
}

// ParseResults decodes nuclei's JSON lines output.
func ParseResults(stdout []byte) ([]scanning.RawFinding, []*domain.ParseError) {
	return scanner.DecodeLines(name, stdout, decodeRecord)
}

type record struct {
	TemplateID    string `json:"template-id"`
	TemplatePath  string `json:"template-path"`
	TemplateURL   string `json:"template-url"`
	Info          info   `json:"info"`
	Type          string `json:"type"`
	Host          string `json:"host"`
	MatchedAt     string `json:"matched-at"`
	IP            string `json:"ip"`
	MatcherName   string `json:"matcher-name"`
	MatcherStatus bool   `json:"matcher-status"`

	ExtractedResults []string `json:"extracted-results"`
	Request          string   `json:"request"`
	Response         string   `json:"response"`
	CurlCommand      string   `json:"curl-command"`
	Timestamp        string   `json:"timestamp"`
}

type info struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Severity       string          `json:"severity"`
	Remediation    string          `json:"remediation"`
	Tags           stringList      `json:"tags"`
	Reference      stringList      `json:"reference"`
	Classification *classification `json:"classification"`
}

type classification struct {
	CVEID       stringList `json:"cve-id"`
	CWEID       stringList `json:"cwe-id"`
	CVSSMetrics string     `json:"cvss-metrics"`
	CVSSScore   float64    `json:"cvss-score"`
}

// stringList accepts a JSON array, a comma-separated string, or null.
type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = nil
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*l = out
		return nil
	}
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	*l = arr
	return nil
}

var errMissingTemplateID = errors.New("record has no template-id")

func decodeRecord(line []byte) (scanning.RawFinding, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, err
	}
	if r.TemplateID == "" {
		return nil, errMissingTemplateID
	}

	m := scanning.TemplateMatch{
		Scanner:          name,
		TemplateID:       r.TemplateID,
		TemplatePath:     r.TemplatePath,
		Name:             r.Info.Name,
		Description:      r.Info.Description,
		Severity:         r.Info.Severity,
		Tags:             r.Info.Tags,
		References:       r.Info.Reference,
		Type:             r.Type,
		Host:             r.Host,
		MatchedAt:        r.MatchedAt,
		IP:               r.IP,
		MatcherName:      r.MatcherName,
		ExtractedResults: r.ExtractedResults,
		Request:          r.Request,
		Response:         r.Response,
		CurlCommand:      r.CurlCommand,
		Timestamp:        r.Timestamp,
		Extra:            map[string]any{"matcher_status": r.MatcherStatus},
	}
	if c := r.Info.Classification; c != nil {
		m.CVEIDs = c.CVEID
		m.CWEIDs = c.CWEID
		m.CVSSScore = c.CVSSScore
		m.CVSSMetrics = c.CVSSMetrics
	}
	if r.TemplateURL != "" {
		m.Extra["template_url"] = r.TemplateURL
	}
	if r.Info.Remediation != "" {
		m.Extra["remediation"] = r.Info.Remediation
	}

	return m, nil
}
