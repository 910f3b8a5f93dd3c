package logger

import (
	"context"
	"sync"
)

// LoggerContext is a logger that accumulates attributes as an operation
// progresses, so later records carry everything learned so far.
type LoggerContext struct {
	mu     sync.Mutex
	logger *Logger
}

// NewLoggerContext wraps l for incremental attribute accumulation.
func NewLoggerContext(l *Logger) *LoggerContext {
	return &LoggerContext{logger: l}
}

// Add attaches attributes to every subsequent record.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.logger = lc.logger.With(args...)
}

func (lc *LoggerContext) current() *Logger {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.logger
}

// Logger returns a snapshot of the accumulated logger.
func (lc *LoggerContext) Logger() *Logger { return lc.current() }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.current().debugc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.current().infoc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.current().warnc(ctx, 4, msg, args...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.current().errorc(ctx, 4, msg, args...)
}
