package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwait_TimesOutAfterMaxAttempts(t *testing.T) {
	calls := 0
	status := func(context.Context) (bool, error) {
		calls++
		return false, nil
	}

	start := time.Now()
	err := Await(context.Background(), status, Policy{MaxAttempts: 3, Interval: 10 * time.Millisecond})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 3, calls)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestAwait_CompletesOnLaterAttempt(t *testing.T) {
	calls := 0
	status := func(context.Context) (bool, error) {
		calls++
		return calls == 2, nil
	}

	err := Await(context.Background(), status, Policy{MaxAttempts: 5, Interval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestAwait_StatusErrorStopsPolling(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	status := func(context.Context) (bool, error) {
		calls++
		return false, boom
	}

	err := Await(context.Background(), status, Policy{MaxAttempts: 5, Interval: time.Millisecond})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, calls)
}

func TestAwait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Await(ctx, func(context.Context) (bool, error) {
		t.Fatal("status should not be checked after cancellation")
		return false, nil
	}, Policy{MaxAttempts: 5, Interval: 50 * time.Millisecond})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultPolicy(), p)

	p = Policy{MaxAttempts: 7}.withDefaults()
	assert.Equal(t, 7, p.MaxAttempts)
	assert.Equal(t, DefaultInterval, p.Interval)
}
