package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/websec-armada/internal/app/scanning"
	domain "github.com/ahrav/websec-armada/internal/domain/scanning"
	"github.com/ahrav/websec-armada/pkg/common/logger"
)

type runnerFunc func(ctx context.Context, name string, args ...string) (Output, error)

func (f runnerFunc) Run(ctx context.Context, name string, args ...string) (Output, error) {
	return f(ctx, name, args...)
}

func newTestProcess(r CommandRunner) *Process {
	return NewProcess("tool", "tool-bin", r, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestProcessRun_Success(t *testing.T) {
	var gotName string
	var gotArgs []string
	p := newTestProcess(runnerFunc(func(_ context.Context, name string, args ...string) (Output, error) {
		gotName, gotArgs = name, args
		return Output{
			Stdout: []byte(`{"a":1}` + "\n"),
			Stderr: []byte("[WRN] first\n\n  [INF] second  \n"),
		}, nil
	}))

	stdout, warnings, err := p.Run(context.Background(), []string{"-u", "https://example.com"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "tool-bin", gotName)
	assert.Equal(t, []string{"-u", "https://example.com"}, gotArgs)
	assert.Equal(t, `{"a":1}`+"\n", string(stdout))
	assert.Equal(t, []string{"[WRN] first", "[INF] second"}, warnings)
}

func TestProcessRun_MissingBinary(t *testing.T) {
	p := newTestProcess(runnerFunc(func(context.Context, string, ...string) (Output, error) {
		return Output{}, &exec.Error{Name: "tool-bin", Err: exec.ErrNotFound}
	}))

	_, _, err := p.Run(context.Background(), nil, 0)
	assert.ErrorIs(t, err, domain.ErrToolNotAvailable)
}

func TestProcessRun_NonZeroExit(t *testing.T) {
	exitErr := errors.New("exit status 2")
	p := newTestProcess(runnerFunc(func(context.Context, string, ...string) (Output, error) {
		return Output{Stderr: []byte("fatal: bad flag\n")}, exitErr
	}))

	_, warnings, err := p.Run(context.Background(), nil, 0)

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "tool", execErr.Tool)
	assert.Equal(t, "fatal: bad flag", execErr.Output)
	assert.ErrorIs(t, err, exitErr)
	assert.Equal(t, []string{"fatal: bad flag"}, warnings)
}

func TestProcessRun_Timeout(t *testing.T) {
	p := newTestProcess(runnerFunc(func(ctx context.Context, _ string, _ ...string) (Output, error) {
		<-ctx.Done()
		return Output{}, errors.New("signal: killed")
	}))

	start := time.Now()
	_, _, err := p.Run(context.Background(), nil, 20*time.Millisecond)

	var execErr *domain.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestStderrWarningsAreBounded(t *testing.T) {
	stderr := strings.Repeat("line\n", maxStderrWarnings*2) + strings.Repeat("x", maxWarningLength*2)
	warnings := stderrWarnings([]byte(stderr))
	assert.Len(t, warnings, maxStderrWarnings)

	long := stderrWarnings([]byte(strings.Repeat("y", maxWarningLength*2)))
	require.Len(t, long, 1)
	assert.Len(t, long[0], maxWarningLength)
}

func TestDecodeLines_DropsMalformedRecords(t *testing.T) {
	decode := func(line []byte) (scanning.RawFinding, error) {
		var v struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, err
		}
		return scanning.CrawledEndpoint{Scanner: "tool", URL: v.URL}, nil
	}

	stdout := strings.Join([]string{
		`{"url":"https://a"}`,
		`not json`,
		``,
		`{"url":"https://b"}`,
		`{"url":`,
		`{"url":"https://c"}`,
	}, "\n")

	findings, bad := DecodeLines("tool", []byte(stdout), decode)
	assert.Len(t, findings, 3)
	require.Len(t, bad, 2)
	assert.Equal(t, 2, bad[0].Line)
	assert.Equal(t, 5, bad[1].Line)
	assert.Equal(t, "tool", bad[0].Tool)
}

func TestDecodeLines_Empty(t *testing.T) {
	findings, bad := DecodeLines("tool", nil, func([]byte) (scanning.RawFinding, error) {
		t.Fatal("decoder must not be called")
		return nil, nil
	})
	assert.Empty(t, findings)
	assert.Empty(t, bad)
}
