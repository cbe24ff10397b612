// Package observe provides application-wide observability primitives for the
// voice engine: OpenTelemetry metrics, distributed tracing, trace-aware
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/MrWong99/alicevoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Audio frame counters ---

	// FramesCaptured counts frames read from the input device.
	FramesCaptured metric.Int64Counter

	// FramesSuppressed counts captured frames discarded by echo suppression.
	FramesSuppressed metric.Int64Counter

	// FramesSent counts frames forwarded to the remote session.
	FramesSent metric.Int64Counter

	// FramesReceived counts synthesised audio chunks received from the model.
	FramesReceived metric.Int64Counter

	// FramesPlayed counts frames written to the output device.
	FramesPlayed metric.Int64Counter

	// FramesDropped counts frames discarded by a bounded inbound queue.
	FramesDropped metric.Int64Counter

	// --- Turn handling ---

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// FramesCleared counts queued playback frames discarded by barge-in.
	FramesCleared metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// --- Tools ---

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool dispatch latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Errors ---

	// PipelineErrors counts reported pipeline errors. Use with attributes:
	//   attribute.String("pipeline", ...), attribute.String("kind", ...)
	PipelineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live remote sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks the number of connected UI transport clients.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for tool
// calls, which range from instant local answers to the 10s network timeout.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesCaptured, "alice.audio.frames_captured", "Total frames read from the input device."},
		{&met.FramesSuppressed, "alice.audio.frames_suppressed", "Total captured frames discarded while the assistant was speaking."},
		{&met.FramesSent, "alice.audio.frames_sent", "Total frames forwarded to the remote session."},
		{&met.FramesReceived, "alice.audio.frames_received", "Total synthesised audio chunks received from the model."},
		{&met.FramesPlayed, "alice.audio.frames_played", "Total frames written to the output device."},
		{&met.FramesDropped, "alice.audio.frames_dropped", "Total inbound frames dropped by the queue bound."},
		{&met.Interruptions, "alice.turn.interruptions", "Total barge-in interruptions."},
		{&met.FramesCleared, "alice.turn.frames_cleared", "Total queued playback frames discarded by interruptions."},
		{&met.Turns, "alice.turn.completed", "Total completed model turns."},
		{&met.ToolCalls, "alice.tool.calls", "Total tool invocations by tool name and status."},
		{&met.PipelineErrors, "alice.pipeline.errors", "Total reported pipeline errors by pipeline and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ToolExecutionDuration, err = m.Float64Histogram("alice.tool.duration",
		metric.WithDescription("Latency of tool dispatch."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("alice.active_sessions",
		metric.WithDescription("Number of live remote sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("alice.transport.clients",
		metric.WithDescription("Number of connected websocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("alice.http.request.duration",
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

// RecordToolCall records one tool invocation with its status and latency in
// seconds.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, seconds float64) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
	m.ToolExecutionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordPipelineError records one reported pipeline error.
func (m *Metrics) RecordPipelineError(ctx context.Context, pipeline, kind string) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("pipeline", pipeline),
			attribute.String("kind", kind),
		),
	)
}

// RecordInterruption records one barge-in that discarded cleared frames.
func (m *Metrics) RecordInterruption(ctx context.Context, cleared int) {
	m.Interruptions.Add(ctx, 1)
	m.FramesCleared.Add(ctx, int64(cleared))
}
