// Package scanning defines the domain model for web security scans: the job
// delivered by the queue, the persisted scan record and its lifecycle, the
// canonical finding, severity translation, and aggregate statistics.
package scanning

import "context"

// ScanRepository is the persistence gateway the orchestrator works through.
// Each call is transactional on its own. Rows are partitioned by scan id and
// a given scan is only ever written by the job that owns it.
type ScanRepository interface {
	// GetScan loads a scan, returning ErrScanNotFound for unknown ids.
	GetScan(ctx context.Context, scanID string) (*Scan, error)

	// UpdateScan persists the scan's status, timing, stats, error and warnings.
	UpdateScan(ctx context.Context, scan *Scan) error

	// SaveResults atomically replaces the scan's findings with findings and
	// persists the scan (status, stats and all) in the same transaction.
	SaveResults(ctx context.Context, scan *Scan, findings []Finding) error

	// ListFindings returns the findings stored for a scan.
	ListFindings(ctx context.Context, scanID string) ([]Finding, error)
}

// CompletionNotifier announces finished scans to downstream consumers.
// Delivery is fire-and-forget.
type CompletionNotifier interface {
	NotifyScanCompleted(ctx context.Context, scanID, projectID string) error
}
