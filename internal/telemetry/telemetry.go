// Package telemetry provides the meter/tracer accessors used by the
// service's external call sites (internal/providerclient, backing
// internal/llm), mirroring the teacher's
// telemetry.Meter(...)/telemetry.Tracer(...) call shape
// (internal/compact/haiku.go). No-op providers are installed until
// Configure is called, so instrumentation is always safe to call even when
// OTel export is not configured for a given deployment.
package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	mu             sync.RWMutex
	meterProvider  metric.MeterProvider = noopmetric.NewMeterProvider()
	tracerProvider trace.TracerProvider = nooptrace.NewTracerProvider()
)

// Configure installs real providers, typically backed by an OTel SDK
// exporter wired in cmd/issuesinkd. Safe to call once at startup; nil
// arguments leave the corresponding provider untouched.
func Configure(mp metric.MeterProvider, tp trace.TracerProvider) {
	mu.Lock()
	defer mu.Unlock()
	if mp != nil {
		meterProvider = mp
	}
	if tp != nil {
		tracerProvider = tp
	}
}

// Meter returns a named meter from the configured (or no-op) provider.
func Meter(name string) metric.Meter {
	mu.RLock()
	defer mu.RUnlock()
	return meterProvider.Meter(name)
}

// Tracer returns a named tracer from the configured (or no-op) provider.
func Tracer(name string) trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracerProvider.Tracer(name)
}
