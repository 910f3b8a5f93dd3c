package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// endpointExcluder drops spans for noisy routes (health probes) and samples
// everything else by ratio.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{endpoints: endpoints, probability: probability}
}

// ShouldSample implements the sampler interface. It prevents the specified
// endpoints from being added to the trace.
func (ee endpointExcluder) ShouldSample(parameters sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for i := range parameters.Attributes {
		if parameters.Attributes[i].Key == semconv.URLPathKey {
			if _, exists := ee.endpoints[parameters.Attributes[i].Value.AsString()]; exists {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}

	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ee.probability)).ShouldSample(parameters)
}

// Description implements the sampler interface.
func (endpointExcluder) Description() string {
	return "customSampler"
}
