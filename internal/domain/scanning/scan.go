package scanning

import (
	"time"
)

// Scan is the persisted record of one scan's lifecycle and results summary.
// A Scan is created by the caller before its job is enqueued; the worker only
// moves it through its statuses.
type Scan struct {
	id           string
	targetURLs   []string
	status       ScanStatus
	startedAt    time.Time
	completedAt  time.Time
	rateLimit    int
	timeout      int
	stats        Stats
	errorMessage string
	warnings     []string
}

// NewScan creates a pending scan for the given request. Callers outside the
// worker (and tests) use it to seed the store.
func NewScan(id string, req ScanRequest) *Scan {
	return &Scan{
		id:         id,
		targetURLs: req.TargetURLs,
		status:     ScanStatusPending,
		rateLimit:  req.RateLimit,
		timeout:    req.Timeout,
	}
}

// ReconstructScan creates a Scan from stored fields, bypassing creation
// invariants. This should only be used by repositories when loading from the DB.
func ReconstructScan(
	id string,
	targetURLs []string,
	status ScanStatus,
	startedAt time.Time,
	completedAt time.Time,
	rateLimit int,
	timeout int,
	stats Stats,
	errorMessage string,
	warnings []string,
) *Scan {
	return &Scan{
		id:           id,
		targetURLs:   targetURLs,
		status:       status,
		startedAt:    startedAt,
		completedAt:  completedAt,
		rateLimit:    rateLimit,
		timeout:      timeout,
		stats:        stats,
		errorMessage: errorMessage,
		warnings:     warnings,
	}
}

func (s *Scan) ID() string           { return s.id }
func (s *Scan) TargetURLs() []string { return s.targetURLs }
func (s *Scan) Status() ScanStatus   { return s.status }
func (s *Scan) StartedAt() time.Time { return s.startedAt }
func (s *Scan) RateLimit() int       { return s.rateLimit }
func (s *Scan) Timeout() int         { return s.timeout }
func (s *Scan) Stats() Stats         { return s.stats }
func (s *Scan) ErrorMessage() string { return s.errorMessage }
func (s *Scan) Warnings() []string   { return s.warnings }
func (s *Scan) TotalFindings() int   { return s.stats.Total }

// CompletedAt returns when the scan reached a terminal state. Only terminal
// scans have a completion time.
func (s *Scan) CompletedAt() (time.Time, bool) {
	if s.status.IsTerminal() {
		return s.completedAt, true
	}
	return time.Time{}, false
}

// Start moves the scan into InProgress for a fresh attempt. Results and error
// details from any earlier attempt are cleared.
func (s *Scan) Start(req ScanRequest, now time.Time) error {
	if err := s.status.validateTransition(ScanStatusInProgress); err != nil {
		return err
	}
	s.status = ScanStatusInProgress
	s.targetURLs = req.TargetURLs
	s.rateLimit = req.RateLimit
	s.timeout = req.Timeout
	s.startedAt = now
	s.completedAt = time.Time{}
	s.stats = Stats{}
	s.errorMessage = ""
	s.warnings = nil
	return nil
}

// Complete records the aggregate stats and moves the scan to Completed.
func (s *Scan) Complete(stats Stats, now time.Time) error {
	if err := s.status.validateTransition(ScanStatusCompleted); err != nil {
		return err
	}
	s.status = ScanStatusCompleted
	s.stats = stats
	s.completedAt = now
	return nil
}

// Fail records the cause and moves the scan to Failed.
func (s *Scan) Fail(cause error, now time.Time) error {
	if err := s.status.validateTransition(ScanStatusFailed); err != nil {
		return err
	}
	s.status = ScanStatusFailed
	s.errorMessage = cause.Error()
	s.completedAt = now
	return nil
}

// AddWarnings appends non-fatal diagnostics (e.g. scanner stderr).
func (s *Scan) AddWarnings(w ...string) { s.warnings = append(s.warnings, w...) }
