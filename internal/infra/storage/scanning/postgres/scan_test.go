package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/internal/infra/storage"
)

func setupScanStoreTest(t *testing.T) (context.Context, *scanStore, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	store := NewScanStore(pool, storage.NoOpTracer())

	return context.Background(), store, cleanup
}

func createStartedScan(ctx context.Context, t *testing.T, store *scanStore, id string) *scanning.Scan {
	t.Helper()

	req := scanning.ScanRequest{
		TargetURLs: []string{"https://example.com", "https://example.org"},
		RateLimit:  50,
		Timeout:    10,
	}
	require.NoError(t, store.CreateScan(ctx, scanning.NewScan(id, req), "project-1"))

	scan, err := store.GetScan(ctx, id)
	require.NoError(t, err)
	require.NoError(t, scan.Start(req, time.Now().UTC().Truncate(time.Microsecond)))
	require.NoError(t, store.UpdateScan(ctx, scan))

	return scan
}

func TestScanStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	scan := createStartedScan(ctx, t, store, "scan-create")

	loaded, err := store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusInProgress, loaded.Status())
	assert.Equal(t, scan.TargetURLs(), loaded.TargetURLs())
	assert.Equal(t, 50, loaded.RateLimit())
	assert.Equal(t, 10, loaded.Timeout())
	assert.WithinDuration(t, scan.StartedAt(), loaded.StartedAt(), time.Millisecond)
	_, done := loaded.CompletedAt()
	assert.False(t, done)
}

func TestScanStore_GetMissing(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	_, err := store.GetScan(ctx, "does-not-exist")
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)
}

func TestScanStore_SaveResults(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	scan := createStartedScan(ctx, t, store, "scan-results")

	high := scanning.ConfidenceHigh
	findings := []scanning.Finding{
		{
			ID:        uuid.New(),
			ScanID:    scan.ID(),
			Scanner:   "nuclei",
			Name:      "Exposed panel",
			Severity:  scanning.SeverityHigh,
			RiskScore: 7.5,
			PluginID:  "exposed-panel",
			CWEIDs:    []string{"CWE-200"},
			URL:       "https://example.com/admin",
			Metadata:  scanning.Metadata{"tags": []any{"panel"}},
			CreatedAt: time.Now().UTC(),
		},
		{
			ID:         uuid.New(),
			ScanID:     scan.ID(),
			Scanner:    "zap",
			Name:       "Missing header",
			Severity:   scanning.SeverityLow,
			Confidence: &high,
			RiskScore:  2.5,
			URL:        "https://example.org/",
			CreatedAt:  time.Now().UTC(),
		},
	}

	stats := scanning.ComputeStats(findings)
	require.NoError(t, scan.Complete(stats, time.Now().UTC()))
	require.NoError(t, store.SaveResults(ctx, scan, findings))

	loaded, err := store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusCompleted, loaded.Status())
	assert.Equal(t, 2, loaded.TotalFindings())
	assert.Equal(t, 1, loaded.Stats().Counts.High)
	assert.Equal(t, 1, loaded.Stats().Counts.Low)
	assert.InDelta(t, 5.0, loaded.Stats().AvgRiskScore, 0.001)
	_, done := loaded.CompletedAt()
	assert.True(t, done)

	got, err := store.ListFindings(ctx, scan.ID())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "nuclei", got[0].Scanner, "highest risk first")
	assert.Equal(t, []string{"CWE-200"}, got[0].CWEIDs)
	assert.Equal(t, []any{"panel"}, got[0].Metadata["tags"])
	require.NotNil(t, got[1].Confidence)
	assert.Equal(t, scanning.ConfidenceHigh, *got[1].Confidence)
}

func TestScanStore_SaveResultsReplacesPrevious(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	scan := createStartedScan(ctx, t, store, "scan-replace")

	first := []scanning.Finding{
		{ID: uuid.New(), ScanID: scan.ID(), Scanner: "katana", Severity: scanning.SeverityInfo},
		{ID: uuid.New(), ScanID: scan.ID(), Scanner: "katana", Severity: scanning.SeverityInfo},
	}
	require.NoError(t, store.SaveResults(ctx, scan, first))

	second := []scanning.Finding{
		{ID: uuid.New(), ScanID: scan.ID(), Scanner: "nuclei", Severity: scanning.SeverityMedium},
	}
	require.NoError(t, store.SaveResults(ctx, scan, second))

	got, err := store.ListFindings(ctx, scan.ID())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "nuclei", got[0].Scanner)
}

func TestScanStore_FailedScanKeepsError(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	scan := createStartedScan(ctx, t, store, "scan-failed")
	scan.AddWarnings("nuclei: template warning")
	require.NoError(t, scan.Fail(assert.AnError, time.Now().UTC()))
	require.NoError(t, store.UpdateScan(ctx, scan))

	loaded, err := store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusFailed, loaded.Status())
	assert.Equal(t, assert.AnError.Error(), loaded.ErrorMessage())
	assert.Equal(t, []string{"nuclei: template warning"}, loaded.Warnings())
}

func TestScanStore_SaveResultsWithBinaryOutput(t *testing.T) {
	t.Parallel()
	ctx, store, cleanup := setupScanStoreTest(t)
	defer cleanup()

	scan := createStartedScan(ctx, t, store, "scan-binary")
	findings := []scanning.Finding{{
		ID:              uuid.New(),
		ScanID:          scan.ID(),
		Scanner:         "nuclei",
		Name:            "Backup file",
		Severity:        scanning.SeverityMedium,
		URL:             "https://example.com/site.zip",
		Evidence:        "PK\x03\x04\x00\x00",
		RequestBody:     "a=\x00b",
		ResponseHeaders: "Content-Type: application/zip\r\nX-Bad: \xff\xfe",
		Metadata:        scanning.Metadata{"extracted": []any{"\x00raw"}, "matcher\x00": "x"},
	}}
	scan.AddWarnings("nuclei: odd \x00 byte on stderr")

	require.NoError(t, scan.Complete(scanning.ComputeStats(findings), time.Now().UTC()))
	require.NoError(t, store.SaveResults(ctx, scan, findings))

	got, err := store.ListFindings(ctx, scan.ID())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "PK\x03\x04��", got[0].Evidence)
	assert.Equal(t, "a=�b", got[0].RequestBody)
	assert.Equal(t, []any{"�raw"}, got[0].Metadata["extracted"])
	assert.Equal(t, "x", got[0].Metadata["matcher�"])

	loaded, err := store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusCompleted, loaded.Status())
	assert.Equal(t, []string{"nuclei: odd � byte on stderr"}, loaded.Warnings())
}

func TestText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "nul", in: "a\x00b", want: "a�b"},
		{name: "invalid utf8", in: "a\xffb", want: "a�b"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, text(tt.in))
		})
	}
}

func TestFindingArgs_CleansText(t *testing.T) {
	f := scanning.Finding{
		Scanner:     "nuclei",
		RequestBody: "\x00\x01",
		CWEIDs:      []string{"CWE-\x0079"},
		Metadata:    scanning.Metadata{"nested": map[string]any{"k": "v\x00"}, "n": 3.0},
	}

	args, err := findingArgs("scan-1", &f)
	require.NoError(t, err)

	for _, a := range args {
		if s, ok := a.(string); ok {
			assert.NotContains(t, s, "\x00")
		}
	}
	assert.Equal(t, []string{"CWE-�79"}, args[11])
	metadata, ok := args[20].([]byte)
	require.True(t, ok)
	assert.NotContains(t, string(metadata), `\u0000`)
	assert.JSONEq(t, `{"nested":{"k":"v�"},"n":3}`, string(metadata))
}
