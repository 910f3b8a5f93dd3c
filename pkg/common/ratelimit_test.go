package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx), "second token is a full second away")
}

func TestRateLimiter_Burst(t *testing.T) {
	rl := NewRateLimiter(1, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for range 3 {
		require.NoError(t, rl.Wait(ctx))
	}
}

func TestRateLimiter_NilIsUnlimited(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	require.Nil(t, rl)

	for range 100 {
		require.NoError(t, rl.Wait(context.Background()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.Canceled)
}
