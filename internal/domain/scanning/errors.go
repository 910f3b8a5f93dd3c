package scanning

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput marks a malformed job payload. It is a caller error and
	// never recorded as a scan failure since there is no valid scan to update.
	ErrInvalidInput = errors.New("invalid scan job")

	// ErrToolNotAvailable indicates a scanner binary or service could not be
	// reached when the worker started.
	ErrToolNotAvailable = errors.New("scanner tool not available")

	// ErrScanNotFound is returned by repositories for an unknown scan id.
	ErrScanNotFound = errors.New("scan not found")

	// ErrInvalidTransition is returned when a status change breaks the lifecycle.
	ErrInvalidTransition = errors.New("invalid scan status transition")
)

// TargetValidationError reports target URLs that are empty, relative, or use
// a scheme other than http/https.
type TargetValidationError struct {
	Targets []string
}

func (e *TargetValidationError) Error() string {
	return fmt.Sprintf("invalid target urls: %s", strings.Join(e.Targets, ", "))
}

// ExecutionError wraps a non-zero process exit or a transport failure while
// driving a scanner. Output holds whatever the tool printed, for diagnostics.
type ExecutionError struct {
	Tool   string
	Err    error
	Output string
}

func (e *ExecutionError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s execution failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s execution failed: %v: %s", e.Tool, e.Err, e.Output)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ParseError describes one output record that could not be decoded. Parse
// errors are logged and the record dropped; they never fail a scan.
type ParseError struct {
	Tool   string
	Line   int
	Err    error
	Record string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: unable to parse record %d: %v", e.Tool, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
