package scanning

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
)

// mockScanRepository implements domain.ScanRepository for testing.
type mockScanRepository struct{ mock.Mock }

func (m *mockScanRepository) GetScan(ctx context.Context, scanID string) (*domain.Scan, error) {
	args := m.Called(ctx, scanID)
	if scan := args.Get(0); scan != nil {
		return scan.(*domain.Scan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockScanRepository) UpdateScan(ctx context.Context, scan *domain.Scan) error {
	args := m.Called(ctx, scan)
	return args.Error(0)
}

func (m *mockScanRepository) SaveResults(ctx context.Context, scan *domain.Scan, findings []domain.Finding) error {
	args := m.Called(ctx, scan, findings)
	return args.Error(0)
}

func (m *mockScanRepository) ListFindings(ctx context.Context, scanID string) ([]domain.Finding, error) {
	args := m.Called(ctx, scanID)
	if findings := args.Get(0); findings != nil {
		return findings.([]domain.Finding), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockNotifier implements domain.CompletionNotifier for testing.
type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) NotifyScanCompleted(ctx context.Context, scanID, projectID string) error {
	args := m.Called(ctx, scanID, projectID)
	return args.Error(0)
}

// recordingMetrics counts orchestrator metric calls.
type recordingMetrics struct {
	mu              sync.Mutex
	started         int
	completed       int
	failedByStage   map[Stage]int
	cleanupFailures int
	findings        []int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{failedByStage: make(map[Stage]int)}
}

func (m *recordingMetrics) IncScansStarted(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) IncScansCompleted(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) IncScansFailed(_ context.Context, stage Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedByStage[stage]++
}

func (m *recordingMetrics) IncCleanupFailures(_ context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupFailures += count
}

func (m *recordingMetrics) ObserveScanDuration(context.Context, time.Duration) {}

func (m *recordingMetrics) ObserveFindings(_ context.Context, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findings = append(m.findings, count)
}

// fakeProcessScanner returns canned results per target.
type fakeProcessScanner struct {
	name        string
	validateErr error
	results     map[string]RawResult
	errs        map[string]error

	mu      sync.Mutex
	scanned []string
}

func (f *fakeProcessScanner) Name() string { return f.name }

func (f *fakeProcessScanner) ValidateTargets([]string) error { return f.validateErr }

func (f *fakeProcessScanner) Scan(_ context.Context, target string, _ Options) (RawResult, error) {
	f.mu.Lock()
	f.scanned = append(f.scanned, target)
	f.mu.Unlock()

	if err := f.errs[target]; err != nil {
		return RawResult{}, err
	}
	return f.results[target], nil
}

func (f *fakeProcessScanner) scannedTargets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scanned...)
}

// fakeContextScanner hands out fakeScanContexts and records their lifecycle.
type fakeContextScanner struct {
	name    string
	openErr error

	includeErr error
	scanErr    error
	alertsErr  error
	closeErr   error
	alerts     []RawFinding

	mu     sync.Mutex
	opened []*fakeScanContext
}

func (f *fakeContextScanner) Name() string { return f.name }

func (f *fakeContextScanner) ValidateTargets([]string) error { return nil }

func (f *fakeContextScanner) OpenContext(_ context.Context, name string) (ScanContext, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	sc := &fakeScanContext{owner: f, name: name}
	f.mu.Lock()
	f.opened = append(f.opened, sc)
	f.mu.Unlock()
	return sc, nil
}

func (f *fakeContextScanner) contexts() []*fakeScanContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeScanContext(nil), f.opened...)
}

type fakeScanContext struct {
	owner *fakeContextScanner
	name  string

	mu       sync.Mutex
	included []string
	scanned  []string
	closed   int
}

func (c *fakeScanContext) Name() string { return c.name }

func (c *fakeScanContext) IncludeTargets(_ context.Context, targets []string) error {
	if c.owner.includeErr != nil {
		return c.owner.includeErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.included = append(c.included, targets...)
	return nil
}

func (c *fakeScanContext) ScanTarget(_ context.Context, target string, _ Options) error {
	if c.owner.scanErr != nil {
		return c.owner.scanErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanned = append(c.scanned, target)
	return nil
}

func (c *fakeScanContext) Alerts(context.Context, []string) ([]RawFinding, error) {
	if c.owner.alertsErr != nil {
		return nil, c.owner.alertsErr
	}
	return c.owner.alerts, nil
}

func (c *fakeScanContext) Close(context.Context) error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return c.owner.closeErr
}

func (c *fakeScanContext) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var errBoom = errors.New("boom")
