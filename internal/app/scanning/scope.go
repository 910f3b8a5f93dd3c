package scanning

import (
	"context"
	"sync"

	"github.com/ahrav/websec-armada/pkg/common/logger"
)

// releaseFunc frees one acquired resource.
type releaseFunc func(ctx context.Context) error

type heldResource struct {
	name    string
	release releaseFunc
}

// Scope pairs resource acquisition with guaranteed release. Resources are
// released in reverse acquisition order, exactly once, on every exit path.
// Release failures are logged and swallowed so they never replace the outcome
// of the work the scope guarded.
type Scope struct {
	mu       sync.Mutex
	held     []heldResource
	released bool

	logger *logger.Logger
}

// NewScope creates an empty scope.
func NewScope(log *logger.Logger) *Scope {
	return &Scope{logger: log}
}

// Hold registers an acquired resource for release.
func (s *Scope) Hold(name string, release releaseFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = append(s.held, heldResource{name: name, release: release})
}

// Release frees every held resource. Calls after the first are no-ops.
// It returns the number of release failures for observability.
func (s *Scope) Release(ctx context.Context) int {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return 0
	}
	s.released = true
	held := s.held
	s.held = nil
	s.mu.Unlock()

	failures := 0
	for i := len(held) - 1; i >= 0; i-- {
		r := held[i]
		if err := r.release(ctx); err != nil {
			failures++
			s.logger.Error(ctx, "Failed to release scan resource", "resource", r.name, "error", err)
			continue
		}
		s.logger.Debug(ctx, "Released scan resource", "resource", r.name)
	}
	return failures
}
