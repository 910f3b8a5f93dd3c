// Package poll implements a suspend-and-recheck loop for detecting completion
// of operations that run out of band, such as a scan started through a remote
// control plane.
//
// A timeout only stops the waiting. The polled operation keeps running inside
// the external tool; callers that need it stopped must do so themselves.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default policy: roughly a 200s ceiling.
const (
	DefaultMaxAttempts = 100
	DefaultInterval    = 2 * time.Second
)

// ErrTimeout is returned once every attempt has been used without the status
// check reporting completion.
var ErrTimeout = errors.New("poll: operation did not complete in time")

// StatusFunc reports whether the polled operation has completed. An error
// aborts polling immediately.
type StatusFunc func(ctx context.Context) (complete bool, err error)

// Policy bounds how long Await keeps re-checking.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPolicy returns the default polling policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

// withDefaults fills unset fields from the default policy.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	return p
}

// Await suspends for the policy interval before each status check and returns
// once status reports completion. It makes at most MaxAttempts checks and
// returns an error wrapping ErrTimeout when they are exhausted. Context
// cancellation stops the wait early.
func Await(ctx context.Context, status StatusFunc, policy Policy) error {
	policy = policy.withDefaults()

	timer := time.NewTimer(policy.Interval)
	defer timer.Stop()

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := status(ctx)
		if err != nil {
			return fmt.Errorf("poll attempt %d: %w", attempt, err)
		}
		if done {
			return nil
		}

		timer.Reset(policy.Interval)
	}

	return fmt.Errorf("%w after %d attempts at %s intervals", ErrTimeout, policy.MaxAttempts, policy.Interval)
}
