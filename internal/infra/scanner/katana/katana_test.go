package katana

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	"github.com/ahrav/websec-armada/internal/infra/scanner"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

type fakeRunner struct {
	out scanner.Output
	err error
}

func (f *fakeRunner) Run(context.Context, string, ...string) (scanner.Output, error) {
	return f.out, f.err
}

func newTestScanner(cfg Config, r scanner.CommandRunner) *Scanner {
	return NewScanner(cfg, r, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

const sampleLine = `{"timestamp":"2026-01-02T03:04:05Z","request":{"method":"GET","endpoint":"https://example.com/login","tag":"a","attribute":"href","source":"https://example.com/"},"response":{"status_code":200,"headers":{"content_type":"text/html"},"technologies":["Nginx"]}}`

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		opts scanning.Options
		want []string
	}{
		{
			name: "defaults",
			want: []string{"-u", "https://example.com", "-jsonl", "-silent", "-nc"},
		},
		{
			name: "all_options",
			cfg:  Config{Depth: 3},
			opts: scanning.Options{RateLimit: 10, Timeout: 15 * time.Minute},
			want: []string{
				"-u", "https://example.com", "-jsonl", "-silent", "-nc",
				"-rl", "10", "-d", "3", "-ct", "15m",
			},
		},
		{
			name: "sub_minute_timeout_omitted",
			opts: scanning.Options{Timeout: 30 * time.Second},
			want: []string{"-u", "https://example.com", "-jsonl", "-silent", "-nc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScanner(tt.cfg, &fakeRunner{})
			assert.Equal(t, tt.want, s.BuildArgs("https://example.com", tt.opts))
		})
	}
}

func TestParseResults(t *testing.T) {
	findings, bad := ParseResults([]byte(sampleLine))
	require.Empty(t, bad)
	require.Len(t, findings, 1)

	e, ok := findings[0].(scanning.CrawledEndpoint)
	require.True(t, ok)
	assert.Equal(t, "katana", e.Scanner)
	assert.Equal(t, "https://example.com/login", e.URL)
	assert.Equal(t, "GET", e.Method)
	assert.Equal(t, 200, e.StatusCode)
	assert.Equal(t, "text/html", e.ContentType)
	assert.Equal(t, []string{"Nginx"}, e.Technologies)
}

func TestParseResults_MalformedLinesDropped(t *testing.T) {
	lines := []string{sampleLine, `{"request":{}}`, `{`, sampleLine, sampleLine}

	findings, bad := ParseResults([]byte(strings.Join(lines, "\n")))
	assert.Len(t, findings, 3)
	assert.Len(t, bad, 2)
}

func TestScan(t *testing.T) {
	s := newTestScanner(Config{}, &fakeRunner{out: scanner.Output{Stdout: []byte(sampleLine + "\n")}})

	res, err := s.Scan(context.Background(), "https://example.com", scanning.Options{})
	require.NoError(t, err)
	assert.Len(t, res.Findings, 1)
	assert.Empty(t, res.Warnings)
}
