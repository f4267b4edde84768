// Package observe provides application-wide observability primitives for
// Parlance: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Parlance metrics.
const meterName = "github.com/parlancehq/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long session connects take, dial through
	// ready.
	ConnectDuration metric.Float64Histogram

	// HeartbeatRTT tracks protocol ping round trips on the live socket.
	HeartbeatRTT metric.Float64Histogram

	// ReconfigureDuration tracks route-change stream reconfiguration latency.
	ReconfigureDuration metric.Float64Histogram

	// --- Counters ---

	// Reconnects counts completed recovery cycles. Use with attribute:
	//   attribute.String("outcome", "restored"|"failed")
	Reconnects metric.Int64Counter

	// FramesSent counts capture frames forwarded to the backend.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames that never reached the backend.
	// Use with attribute:
	//   attribute.String("reason", "gate"|"not_connected"|"overrun")
	FramesDropped metric.Int64Counter

	// PlaybackChunks counts inbound assistant audio chunks queued for
	// playout.
	PlaybackChunks metric.Int64Counter

	// BargeIns counts suppression windows cancelled by the user speaking up.
	BargeIns metric.Int64Counter

	// RouteChanges counts processed (debounced) route changes. Use with
	// attribute:
	//   attribute.Bool("material", ...)
	RouteChanges metric.Int64Counter

	// TranscriptSegments counts published transcript segments. Use with
	// attributes:
	//   attribute.String("source", ...), attribute.Bool("final", ...)
	TranscriptSegments metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks debug-endpoint request processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("parlance.connect.duration",
		metric.WithDescription("Latency of session connects, dial through ready."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HeartbeatRTT, err = m.Float64Histogram("parlance.heartbeat.rtt",
		metric.WithDescription("Round-trip time of protocol heartbeat pings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReconfigureDuration, err = m.Float64Histogram("parlance.route.reconfigure.duration",
		metric.WithDescription("Latency of route-change stream reconfigurations."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Reconnects, err = m.Int64Counter("parlance.connection.reconnects",
		metric.WithDescription("Completed recovery cycles by outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("parlance.audio.frames.sent",
		metric.WithDescription("Capture frames forwarded to the backend."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("parlance.audio.frames.dropped",
		metric.WithDescription("Capture frames dropped before reaching the backend, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("parlance.audio.playback.chunks",
		metric.WithDescription("Inbound assistant audio chunks queued for playout."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parlance.gate.barge_ins",
		metric.WithDescription("Playback suppression windows cancelled by user speech."),
	); err != nil {
		return nil, err
	}
	if met.RouteChanges, err = m.Int64Counter("parlance.route.changes",
		metric.WithDescription("Processed audio route changes by materiality."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptSegments, err = m.Int64Counter("parlance.transcript.segments",
		metric.WithDescription("Published transcript segments by source and finality."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
		metric.WithDescription("Debug HTTP request latency by method and route."),
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

// RecordReconnect records one completed recovery cycle with its outcome.
func (m *Metrics) RecordReconnect(ctx context.Context, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordFrameDropped records one dropped capture frame with the drop reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordRouteChange records one processed route change.
func (m *Metrics) RecordRouteChange(ctx context.Context, material bool) {
	m.RouteChanges.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("material", material)),
	)
}

// RecordTranscriptSegment records one published transcript segment.
func (m *Metrics) RecordTranscriptSegment(ctx context.Context, source string, final bool) {
	m.TranscriptSegments.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.Bool("final", final),
		),
	)
}
