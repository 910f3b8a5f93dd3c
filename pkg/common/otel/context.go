package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const (
	zeroTraceID = "00000000000000000000000000000000"
	zeroSpanID  = "0000000000000000"
)

// GetTraceID returns the trace id of the span in ctx, or all zeros when ctx
// carries no valid span. Log lines always get a fixed-width value.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return zeroTraceID
}

// GetSpanID returns the span id of the span in ctx, or all zeros.
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.SpanID().String()
	}
	return zeroSpanID
}
