package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithMetadata(&buf, LevelInfo, "worker", func(context.Context) string { return "abc123" },
		Events{}, map[string]string{"hostname": "host-1"})

	log.With("component", "orchestrator").Info(context.Background(), "scan started", "scan_id", "s1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "scan started", rec["msg"])
	assert.Equal(t, "worker", rec["service"])
	assert.Equal(t, "host-1", rec["hostname"])
	assert.Equal(t, "orchestrator", rec["component"])
	assert.Equal(t, "s1", rec["scan_id"])
	assert.Equal(t, "abc123", rec["trace_id"])
	assert.Contains(t, rec["file"], "logger_test.go")
}

func TestLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "worker", nil)

	log.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	log := NewWithMetadata(&buf, LevelDebug, "worker", nil, Events{
		Error: func(_ context.Context, r Record) { got = r },
	}, nil)

	log.Error(context.Background(), "persist failed", "scan_id", "s9")

	assert.Equal(t, "persist failed", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "s9", got.Attributes["scan_id"])
}

func TestNoop_DiscardsEverything(t *testing.T) {
	log := Noop().With("k", "v")
	assert.NotPanics(t, func() { log.Error(context.Background(), "nothing") })
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel("ERROR"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelInfo, "worker", nil))

	lc.Add("scan_id", "s1")
	lc.Add("stage", "target_scanning")
	lc.Info(context.Background(), "stage entered")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "s1", rec["scan_id"])
	assert.Equal(t, "target_scanning", rec["stage"])
	assert.Contains(t, rec["file"], "logger_test.go")
}

func TestLoggerContext_ReportsCallerSource(t *testing.T) {
	tests := []struct {
		name  string
		level string
		log   func(lc *LoggerContext, ctx context.Context)
	}{
		{name: "debug", level: "DEBUG", log: func(lc *LoggerContext, ctx context.Context) { lc.Debug(ctx, "m") }},
		{name: "info", level: "INFO", log: func(lc *LoggerContext, ctx context.Context) { lc.Info(ctx, "m") }},
		{name: "warn", level: "WARN", log: func(lc *LoggerContext, ctx context.Context) { lc.Warn(ctx, "m") }},
		{name: "error", level: "ERROR", log: func(lc *LoggerContext, ctx context.Context) { lc.Error(ctx, "m") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			lc := NewLoggerContext(New(&buf, LevelDebug, "worker", nil))

			tt.log(lc, context.Background())

			var rec map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
			assert.Equal(t, tt.level, rec["level"])
			assert.Contains(t, rec["file"], "logger_test.go")
		})
	}
}
