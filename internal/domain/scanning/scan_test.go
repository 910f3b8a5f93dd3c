package scanning

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	req := ScanRequest{TargetURLs: []string{"https://example.com"}, RateLimit: 10, Timeout: 5}

	scan := NewScan("s1", req)
	assert.Equal(t, ScanStatusPending, scan.Status())
	_, ok := scan.CompletedAt()
	assert.False(t, ok)

	require.NoError(t, scan.Start(req, now))
	assert.Equal(t, ScanStatusInProgress, scan.Status())
	assert.Equal(t, now, scan.StartedAt())

	stats := Stats{Counts: SeverityCounts{High: 2}, Total: 2, AvgRiskScore: 7.5, MaxRiskScore: 7.5}
	require.NoError(t, scan.Complete(stats, now.Add(time.Minute)))

	assert.Equal(t, ScanStatusCompleted, scan.Status())
	assert.Equal(t, 2, scan.TotalFindings())
	completedAt, ok := scan.CompletedAt()
	assert.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), completedAt)

	assert.ErrorIs(t, scan.Start(req, now), ErrInvalidTransition, "completed scans are not restarted")
}

func TestScan_FailThenRetryClearsState(t *testing.T) {
	now := time.Now()
	req := ScanRequest{TargetURLs: []string{"https://example.com"}}

	scan := NewScan("s1", req)
	require.NoError(t, scan.Start(req, now))
	scan.AddWarnings("stderr noise")
	require.NoError(t, scan.Fail(errors.New("context creation failed"), now))

	assert.Equal(t, ScanStatusFailed, scan.Status())
	assert.Equal(t, "context creation failed", scan.ErrorMessage())

	require.NoError(t, scan.Start(req, now))
	assert.Empty(t, scan.ErrorMessage())
	assert.Empty(t, scan.Warnings())
	assert.Zero(t, scan.TotalFindings())
}

func TestScan_CannotCompleteFromPending(t *testing.T) {
	scan := NewScan("s1", ScanRequest{})
	assert.ErrorIs(t, scan.Complete(Stats{}, time.Now()), ErrInvalidTransition)
	assert.ErrorIs(t, scan.Fail(errors.New("x"), time.Now()), ErrInvalidTransition)
}
