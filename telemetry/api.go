// Package telemetry provides nil-safe metric and trace helpers over the
// OpenTelemetry API. No SDK is wired here; when the host process installs a
// global meter/tracer provider the helpers start recording, otherwise every
// call is a cheap no-op. This keeps instrumentation unconditional in the
// engine code without forcing a telemetry backend on library consumers.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/stepflow-io/stepflow"

var (
	counterMu  sync.RWMutex
	counters   = make(map[string]metric.Float64Counter)
	histoMu    sync.RWMutex
	histograms = make(map[string]metric.Float64Histogram)
	gaugeMu    sync.RWMutex
	gauges     = make(map[string]metric.Float64Gauge)
)

// Counter increments a counter metric by 1.
// Labels are provided as alternating key-value pairs.
// Example: Counter("orchestration.step.completed_total", "status", "COMPLETED")
func Counter(name string, labels ...string) {
	counterMu.RLock()
	c, ok := counters[name]
	counterMu.RUnlock()
	if !ok {
		var err error
		c, err = otel.GetMeterProvider().Meter(instrumentationName).Float64Counter(name)
		if err != nil {
			return
		}
		counterMu.Lock()
		counters[name] = c
		counterMu.Unlock()
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution. Use for latencies, batch
// sizes, queue lengths.
func Histogram(name string, value float64, labels ...string) {
	histoMu.RLock()
	h, ok := histograms[name]
	histoMu.RUnlock()
	if !ok {
		var err error
		h, err = otel.GetMeterProvider().Meter(instrumentationName).Float64Histogram(name)
		if err != nil {
			return
		}
		histoMu.Lock()
		histograms[name] = h
		histoMu.Unlock()
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Gauge sets a current-value metric (values that go up and down).
func Gauge(name string, value float64, labels ...string) {
	gaugeMu.RLock()
	g, ok := gauges[name]
	gaugeMu.RUnlock()
	if !ok {
		var err error
		g, err = otel.GetMeterProvider().Meter(instrumentationName).Float64Gauge(name)
		if err != nil {
			return
		}
		gaugeMu.Lock()
		gauges[name] = g
		gaugeMu.Unlock()
	}
	g.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed time since startTime in milliseconds.
// Convenience for the common timing pattern:
//
//	start := time.Now()
//	defer telemetry.Duration("orchestration.step.duration_ms", start, "action_type", "log")
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

// toAttributes converts alternating key-value pairs to OTEL attributes.
// A trailing key without a value is dropped.
func toAttributes(labels []string) []attribute.KeyValue {
	if len(labels) < 2 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
