package scanning

import (
	"context"
	"time"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
)

// Options are the per-scan knobs handed to every adapter. Adapters translate
// the ones they support into tool arguments and ignore the rest.
type Options struct {
	RateLimit      int
	Timeout        time.Duration
	SeverityLevels []domain.Severity
}

// OptionsFromRequest derives adapter options from a scan request.
func OptionsFromRequest(req domain.ScanRequest) Options {
	return Options{
		RateLimit:      req.RateLimit,
		Timeout:        req.TimeoutDuration(),
		SeverityLevels: req.SeverityLevels,
	}
}

// RawResult is everything one adapter run produced.
type RawResult struct {
	Findings []RawFinding
	// Warnings are non-fatal diagnostics, such as the tool's stderr.
	Warnings []string
}

// Scanner is the capability shared by every adapter variant. Concrete
// adapters implement exactly one of ProcessScanner or ContextScanner.
type Scanner interface {
	// Name identifies the tool in logs, errors and finding records.
	Name() string

	// ValidateTargets fails with a *domain.TargetValidationError unless every
	// URL is non-empty and absolute with an http or https scheme.
	ValidateTargets(urls []string) error
}

// ProcessScanner is the spawn-and-collect variant: one external process per
// target, all output available once it exits.
type ProcessScanner interface {
	Scanner

	// Scan runs the tool against target and parses its output. Malformed
	// output records are dropped, not returned as errors.
	Scan(ctx context.Context, target string, opts Options) (RawResult, error)
}

// ContextScanner is the start/poll/fetch variant: a remote control plane
// whose work is scoped to a named context that must be removed afterwards.
type ContextScanner interface {
	Scanner

	// OpenContext creates the named context. The returned ScanContext must be
	// closed even if later calls on it fail.
	OpenContext(ctx context.Context, name string) (ScanContext, error)
}

// ScanContext is an open isolation boundary inside a control-plane scanner.
type ScanContext interface {
	Name() string

	// IncludeTargets registers the URLs that are in play for this scan.
	IncludeTargets(ctx context.Context, targets []string) error

	// ScanTarget drives every stage for one target (e.g. spider then active
	// scan), each to completion or timeout.
	ScanTarget(ctx context.Context, target string, opts Options) error

	// Alerts fetches the raw alerts raised for targets within this context.
	Alerts(ctx context.Context, targets []string) ([]RawFinding, error)

	// Close removes the context from the scanner.
	Close(ctx context.Context) error
}
