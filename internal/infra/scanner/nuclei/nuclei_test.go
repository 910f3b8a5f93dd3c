package nuclei

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/internal/infra/scanner"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

type fakeRunner struct {
	out  scanner.Output
	err  error
	args []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (scanner.Output, error) {
	f.args = args
	return f.out, f.err
}

func newTestScanner(cfg Config, r scanner.CommandRunner) *Scanner {
	return NewScanner(cfg, r, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

const sampleLine = `{"template-id":"git-config","template-path":"/t/git-config.yaml","info":{"name":"Git Config Disclosure","severity":"medium","tags":["config","git","exposure"],"reference":"https://a, https://b","classification":{"cve-id":null,"cwe-id":["cwe-200"],"cvss-score":5.3,"cvss-metrics":"CVSS:3.1/AV:N"}},"type":"http","host":"https://example.com","matched-at":"https://example.com/.git/config","ip":"93.184.216.34","matcher-status":true,"extracted-results":["[core]"],"request":"GET /.git/config HTTP/1.1\r\nHost: example.com\r\n\r\n","response":"HTTP/1.1 200 OK\r\n\r\n[core]","timestamp":"2026-01-02T03:04:05Z"}`

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
			cfg:  Config{Templates: []string{"cves/", "exposures/"}, RequestTimeout: 10},
			opts: scanning.Options{
				RateLimit:      25,
				Timeout:        5 * time.Minute,
				SeverityLevels: []domain.Severity{domain.SeverityCritical, domain.SeverityHigh},
			},
			want: []string{
				"-u", "https://example.com", "-jsonl", "-silent", "-nc",
				"-rl", "25",
				"-severity", "critical,high",
				"-timeout", "10",
				"-t", "cves/", "-t", "exposures/",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScanner(tt.cfg, &fakeRunner{})
			got := s.BuildArgs("https://example.com", tt.opts)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, s.BuildArgs("https://example.com", tt.opts))
		})
	}
}

func TestParseResults(t *testing.T) {
	findings, bad := ParseResults([]byte(sampleLine + "\n"))
	require.Empty(t, bad)
	require.Len(t, findings, 1)

	m, ok := findings[0].(scanning.TemplateMatch)
	require.True(t, ok)
	assert.Equal(t, "nuclei", m.Scanner)
	assert.Equal(t, "git-config", m.TemplateID)
	assert.Equal(t, "Git Config Disclosure", m.Name)
	assert.Equal(t, "medium", m.Severity)
	assert.Equal(t, []string{"config", "git", "exposure"}, m.Tags)
	assert.Equal(t, []string{"https://a", "https://b"}, m.References)
	assert.Empty(t, m.CVEIDs)
	assert.Equal(t, []string{"cwe-200"}, m.CWEIDs)
	assert.InDelta(t, 5.3, m.CVSSScore, 0.001)
	assert.Equal(t, "https://example.com/.git/config", m.MatchedAt)
	assert.Equal(t, []string{"[core]"}, m.ExtractedResults)
	assert.Equal(t, true, m.Extra["matcher_status"])
}

func TestParseResults_MalformedLinesDropped(t *testing.T) {
	lines := []string{
		sampleLine,
		`{"template-id":`,
		`{"info":{"name":"no id"}}`,
		sampleLine,
		`plain text`,
	}

	findings, bad := ParseResults([]byte(strings.Join(lines, "\n")))
	assert.Len(t, findings, 2)
	assert.Len(t, bad, 3)
}

func TestScan(t *testing.T) {
	runner := &fakeRunner{out: scanner.Output{
		Stdout: []byte(sampleLine + "\n" + "garbage\n"),
		Stderr: []byte("[WRN] Found 2 templates with syntax error\n"),
	}}
	s := newTestScanner(Config{}, runner)

	res, err := s.Scan(context.Background(), "https://example.com", scanning.Options{RateLimit: 5})
	require.NoError(t, err)
	assert.Len(t, res.Findings, 1)
	assert.Equal(t, []string{"[WRN] Found 2 templates with syntax error"}, res.Warnings)
	assert.Contains(t, runner.args, "-rl")
}

func TestScan_ExecutionFailure(t *testing.T) {
	runner := &fakeRunner{
		out: scanner.Output{Stderr: []byte("could not run nuclei\n")},
		err: errors.New("exit status 1"),
	}
	s := newTestScanner(Config{}, runner)

	res, err := s.Scan(context.Background(), "https://example.com", scanning.Options{})
	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "nuclei", execErr.Tool)
	assert.Empty(t, res.Findings)
}
