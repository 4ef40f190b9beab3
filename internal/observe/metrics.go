// Package observe provides application-wide observability primitives for
// aircast: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all aircast metrics.
const meterName = "github.com/aircast-audio/aircast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EnhanceDuration tracks the latency of one enhancer call (one window).
	EnhanceDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIn counts decoded inbound frames handed to the engine.
	FramesIn metric.Int64Counter

	// FramesDropped counts frames evicted from listener queues under the
	// drop-oldest policy.
	FramesDropped metric.Int64Counter

	// EnhanceErrors counts failed enhancer calls (error, panic, or timeout).
	EnhanceErrors metric.Int64Counter

	// RecordingSaves counts recording persistence attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	RecordingSaves metric.Int64Counter

	// EventsPublished counts lifecycle events handed to the notifier. Use
	// with attribute: attribute.String("event", ...)
	EventsPublished metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live broadcast sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks the number of attached listener queues across
	// all sessions.
	ActiveListeners metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for audio-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EnhanceDuration, err = m.Float64Histogram("aircast.enhance.duration",
		metric.WithDescription("Latency of one audio enhancement call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("aircast.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIn, err = m.Int64Counter("aircast.frames.in",
		metric.WithDescription("Total decoded inbound frames handed to the engine."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("aircast.frames.dropped",
		metric.WithDescription("Total frames evicted from listener queues."),
	); err != nil {
		return nil, err
	}
	if met.EnhanceErrors, err = m.Int64Counter("aircast.enhance.errors",
		metric.WithDescription("Total failed enhancer calls."),
	); err != nil {
		return nil, err
	}
	if met.RecordingSaves, err = m.Int64Counter("aircast.recording.saves",
		metric.WithDescription("Total recording persistence attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.EventsPublished, err = m.Int64Counter("aircast.events.published",
		metric.WithDescription("Total lifecycle events handed to the notifier by event type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aircast.active_sessions",
		metric.WithDescription("Number of live broadcast sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveListeners, err = m.Int64UpDownCounter("aircast.active_listeners",
		metric.WithDescription("Number of attached listeners across all sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordRecordingSave records one recording persistence attempt.
func (m *Metrics) RecordRecordingSave(ctx context.Context, status string) {
	m.RecordingSaves.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEvent records one published lifecycle event.
func (m *Metrics) RecordEvent(ctx context.Context, event string) {
	m.EventsPublished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}
