package scanner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

const (
	// maxStderrWarnings bounds how many stderr lines one run turns into warnings.
	maxStderrWarnings = 50
	maxWarningLength  = 500
	// maxOutputTail is how much stderr an ExecutionError keeps.
	maxOutputTail = 4096
	// maxLineSize caps one JSON record; template scanners embed full HTTP
	// responses in their output.
	maxLineSize = 64 << 20

	waitDelay = 5 * time.Second
)

// Output is what a finished process wrote.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// CommandRunner runs an external command to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (Output, error)
}

// ExecRunner runs commands with os/exec. The process is killed when ctx is
// done.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (Output, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	err := cmd.Run()
	return Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, err
}

// Process executes one scanner binary and classifies its failures.
type Process struct {
	tool   string
	binary string
	runner CommandRunner

	logger *logger.Logger
	tracer trace.Tracer
}

// NewProcess creates a Process for tool, launched as binary. A nil runner
// uses ExecRunner.
func NewProcess(tool, binary string, runner CommandRunner, log *logger.Logger, tracer trace.Tracer) *Process {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Process{
		tool:   tool,
		binary: binary,
		runner: runner,
		logger: log.With("component", "process_runner", "tool", tool),
		tracer: tracer,
	}
}

// CheckAvailable reports domain.ErrToolNotAvailable when the binary cannot
// be found on PATH.
func (p *Process) CheckAvailable() error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrToolNotAvailable, p.binary, err)
	}
	return nil
}

// Run executes the binary with args, bounded by timeout when it is positive.
// It returns stdout and the stderr lines as warnings. A missing binary yields
// domain.ErrToolNotAvailable; a non-zero exit or timeout yields a
// *domain.ExecutionError carrying the tail of stderr.
func (p *Process) Run(ctx context.Context, args []string, timeout time.Duration) ([]byte, []string, error) {
	ctx, span := p.tracer.Start(ctx, p.tool+".process.run",
		trace.WithAttributes(
			attribute.String("tool", p.tool),
			attribute.String("binary", p.binary),
			attribute.StringSlice("args", args),
			attribute.String("timeout", timeout.String()),
		))
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := p.runner.Run(ctx, p.binary, args...)
	warnings := stderrWarnings(out.Stderr)
	span.SetAttributes(
		attribute.Int("stdout_bytes", len(out.Stdout)),
		attribute.Int("stderr_lines", len(warnings)),
	)

	if err != nil {
		err = p.classify(ctx, err, out.Stderr)
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
		p.logger.Warn(ctx, "Scanner process failed",
			"error", err,
			"duration", time.Since(start),
		)
		return out.Stdout, warnings, err
	}

	p.logger.Debug(ctx, "Scanner process finished",
		"duration", time.Since(start),
		"stdout_bytes", len(out.Stdout),
	)
	span.SetStatus(codes.Ok, "process finished")

	return out.Stdout, warnings, nil
}

func (p *Process) classify(ctx context.Context, err error, stderr []byte) error {
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %s: %v", domain.ErrToolNotAvailable, p.binary, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &domain.ExecutionError{Tool: p.tool, Err: err, Output: tail(stderr, maxOutputTail)}
}

// LineDecoder turns one output record into a raw finding.
type LineDecoder func(line []byte) (scanning.RawFinding, error)

// DecodeLines decodes newline-delimited records. Blank lines are skipped;
// records that fail to decode are returned as *domain.ParseError and never
// stop the rest of the output from being read.
func DecodeLines(tool string, stdout []byte, decode LineDecoder) ([]scanning.RawFinding, []*domain.ParseError) {
	var (
		findings []scanning.RawFinding
		bad      []*domain.ParseError
	)

	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for sc.Scan() {
		line++
		rec := bytes.TrimSpace(sc.Bytes())
		if len(rec) == 0 {
			continue
		}
		f, err := decode(rec)
		if err != nil {
			bad = append(bad, &domain.ParseError{
				Tool:   tool,
				Line:   line,
				Err:    err,
				Record: tail(rec, 256),
			})
			continue
		}
		if f != nil {
			findings = append(findings, f)
		}
	}
	if err := sc.Err(); err != nil {
		bad = append(bad, &domain.ParseError{Tool: tool, Line: line + 1, Err: err})
	}

	return findings, bad
}

// LogParseErrors logs dropped records at warn level.
func LogParseErrors(ctx context.Context, log *logger.Logger, errs []*domain.ParseError) {
	for _, perr := range errs {
		log.Warn(ctx, "Dropping malformed scanner output record",
			"tool", perr.Tool,
			"line", perr.Line,
			"error", perr.Err,
		)
	}
}

func stderrWarnings(stderr []byte) []string {
	var warnings []string
	for _, l := range strings.Split(string(stderr), "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if len(warnings) == maxStderrWarnings {
			break
		}
		if len(l) > maxWarningLength {
			l = l[:maxWarningLength]
		}
		warnings = append(warnings, l)
	}
	return warnings
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
