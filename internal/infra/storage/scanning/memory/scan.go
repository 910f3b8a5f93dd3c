// Package memory provides an in-memory scan repository for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ahrav/websec-armada/internal/domain/scanning"
)

var _ scanning.ScanRepository = (*ScanStore)(nil)

// ScanStore keeps scans and findings in maps keyed by scan id. Stored values
// are copies, so callers never share state with the store.
type ScanStore struct {
	mu       sync.RWMutex
	scans    map[string]*scanning.Scan
	findings map[string][]scanning.Finding
}

// NewScanStore creates an empty store.
func NewScanStore() *ScanStore {
	return &ScanStore{
		scans:    make(map[string]*scanning.Scan),
		findings: make(map[string][]scanning.Finding),
	}
}

// CreateScan seeds a scan, as the enqueuing caller would.
func (s *ScanStore) CreateScan(_ context.Context, scan *scanning.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scans[scan.ID()]; exists {
		return fmt.Errorf("scan %s already exists", scan.ID())
	}
	s.scans[scan.ID()] = copyScan(scan)
	return nil
}

// GetScan returns a copy of the stored scan.
func (s *ScanStore) GetScan(_ context.Context, scanID string) (*scanning.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan, ok := s.scans[scanID]
	if !ok {
		return nil, scanning.ErrScanNotFound
	}
	return copyScan(scan), nil
}

// UpdateScan replaces the stored scan.
func (s *ScanStore) UpdateScan(_ context.Context, scan *scanning.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[scan.ID()]; !ok {
		return scanning.ErrScanNotFound
	}
	s.scans[scan.ID()] = copyScan(scan)
	return nil
}

// SaveResults replaces the scan's findings and updates the scan in one step.
func (s *ScanStore) SaveResults(_ context.Context, scan *scanning.Scan, findings []scanning.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.scans[scan.ID()]; !ok {
		return scanning.ErrScanNotFound
	}
	for i := range findings {
		if findings[i].ScanID != scan.ID() {
			return fmt.Errorf("finding %s belongs to scan %s, not %s",
				findings[i].ID, findings[i].ScanID, scan.ID())
		}
	}

	s.scans[scan.ID()] = copyScan(scan)
	s.findings[scan.ID()] = slices.Clone(findings)
	return nil
}

// ListFindings returns a copy of the scan's findings.
func (s *ScanStore) ListFindings(_ context.Context, scanID string) ([]scanning.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.scans[scanID]; !ok {
		return nil, scanning.ErrScanNotFound
	}
	return slices.Clone(s.findings[scanID]), nil
}

func copyScan(scan *scanning.Scan) *scanning.Scan {
	completedAt, _ := scan.CompletedAt()
	return scanning.ReconstructScan(
		scan.ID(),
		slices.Clone(scan.TargetURLs()),
		scan.Status(),
		scan.StartedAt(),
		completedAt,
		scan.RateLimit(),
		scan.Timeout(),
		scan.Stats(),
		scan.ErrorMessage(),
		slices.Clone(scan.Warnings()),
	)
}
