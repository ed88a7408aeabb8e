// Package observe provides application-wide observability primitives:
// OpenTelemetry metrics and the SDK provider setup that bridges them to a
// Prometheus /metrics endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/voluble-ai/voluble"

// Metrics holds all OpenTelemetry metric instruments for the orchestrator.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TranscriptionDuration tracks speech-to-text latency.
	TranscriptionDuration metric.Float64Histogram

	// ReasoningDuration tracks language-model inference latency.
	ReasoningDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech latency.
	SynthesisDuration metric.Float64Histogram

	// TurnLatency tracks end-of-speech to first-audio latency for whole turns.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// Transitions counts state transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	Transitions metric.Int64Counter

	// InvalidTransitions counts rejected transition attempts.
	InvalidTransitions metric.Int64Counter

	// Interrupts counts entries into the interrupted state. Use with
	// attribute.String("cause", ...).
	Interrupts metric.Int64Counter

	// DroppedFrames counts audio frames evicted by backpressure or rejected
	// as malformed. Use with attribute.String("reason", ...).
	DroppedFrames metric.Int64Counter

	// ServiceErrors counts downstream service failures. Use with attributes:
	//   attribute.String("service", ...), attribute.String("kind", ...)
	ServiceErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.TranscriptionDuration, err = m.Float64Histogram("voluble.transcription.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReasoningDuration, err = m.Float64Histogram("voluble.reasoning.duration",
		metric.WithDescription("Latency of language-model inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("voluble.synthesis.duration",
		metric.WithDescription("Latency of speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("voluble.turn.latency",
		metric.WithDescription("End-of-speech to response-audio latency per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transitions, err = m.Int64Counter("voluble.state.transitions",
		metric.WithDescription("Total state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.InvalidTransitions, err = m.Int64Counter("voluble.state.invalid_transitions",
		metric.WithDescription("Total rejected transition attempts by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voluble.interrupts",
		metric.WithDescription("Total barge-in interrupts by cause."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("voluble.audio.dropped_frames",
		metric.WithDescription("Audio frames dropped by backpressure or rejected as malformed."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("voluble.service.errors",
		metric.WithDescription("Downstream service failures by service and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voluble.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voluble.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordTransition records a state transition counter increment with the
// standard attribute set.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordInvalidTransition records a rejected transition attempt.
func (m *Metrics) RecordInvalidTransition(ctx context.Context, from, to string) {
	m.InvalidTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordServiceError records a downstream service failure counter increment.
func (m *Metrics) RecordServiceError(ctx context.Context, service, kind string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("service", service),
			attribute.String("kind", kind),
		),
	)
}
