package common

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles calls to a shared downstream service. A nil
// *RateLimiter never blocks, so callers can hold one unconditionally.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows rps calls per second with bursts of up to burst
// calls. It returns nil (unlimited) when rps is not positive. A burst below
// one is raised to one.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a call is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return ctx.Err()
	}
	return rl.limiter.Wait(ctx)
}
