// Package observe provides application-wide observability primitives for
// murmurlink: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all murmurlink metrics.
const meterName = "github.com/murmurlink/murmurlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture pipeline counters ---

	// BlocksProcessed counts audio blocks through the render loop.
	BlocksProcessed metric.Int64Counter

	// ChunksEmitted counts conditioned chunks delivered downstream.
	ChunksEmitted metric.Int64Counter

	// ChunksSuppressed counts chunks withheld by the silence gate.
	ChunksSuppressed metric.Int64Counter

	// RMSDropped counts per-block RMS readings dropped because the control
	// loop fell behind.
	RMSDropped metric.Int64Counter

	// SpeechSegments counts finished speech segments.
	SpeechSegments metric.Int64Counter

	// --- Capture pipeline gauges ---

	// AppliedGain tracks the gain currently applied to the microphone signal.
	AppliedGain metric.Float64Gauge

	// NoiseFloor tracks the adaptive noise floor estimate.
	NoiseFloor metric.Float64Gauge

	// --- Uplink ---

	// UplinkReconnects counts successful upstream session reconnections.
	UplinkReconnects metric.Int64Counter

	// UplinkDropped counts chunks dropped before reaching the upstream
	// session because the pump fell behind.
	UplinkDropped metric.Int64Counter

	// --- Relay ---

	// RelayClients tracks the number of connected display clients.
	RelayClients metric.Int64UpDownCounter

	// RelayEvicted counts display clients dropped for falling behind.
	RelayEvicted metric.Int64Counter

	// --- Histograms ---

	// SegmentDuration tracks the length of detected speech segments.
	SegmentDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// segmentBuckets defines histogram bucket boundaries (in seconds) sized for
// spoken utterances.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture counters.
	if met.BlocksProcessed, err = m.Int64Counter("murmurlink.capture.blocks",
		metric.WithDescription("Total audio blocks processed by the render loop."),
	); err != nil {
		return nil, err
	}
	if met.ChunksEmitted, err = m.Int64Counter("murmurlink.capture.chunks_emitted",
		metric.WithDescription("Total conditioned chunks delivered downstream."),
	); err != nil {
		return nil, err
	}
	if met.ChunksSuppressed, err = m.Int64Counter("murmurlink.capture.chunks_suppressed",
		metric.WithDescription("Total chunks withheld by the silence gate."),
	); err != nil {
		return nil, err
	}
	if met.RMSDropped, err = m.Int64Counter("murmurlink.capture.rms_dropped",
		metric.WithDescription("Total RMS readings dropped by a lagging control loop."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("murmurlink.capture.segments",
		metric.WithDescription("Total finished speech segments."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.AppliedGain, err = m.Float64Gauge("murmurlink.capture.gain",
		metric.WithDescription("Gain currently applied to the microphone signal."),
	); err != nil {
		return nil, err
	}
	if met.NoiseFloor, err = m.Float64Gauge("murmurlink.capture.noise_floor",
		metric.WithDescription("Adaptive noise floor estimate."),
	); err != nil {
		return nil, err
	}

	// Uplink.
	if met.UplinkReconnects, err = m.Int64Counter("murmurlink.uplink.reconnects",
		metric.WithDescription("Total successful upstream session reconnections."),
	); err != nil {
		return nil, err
	}
	if met.UplinkDropped, err = m.Int64Counter("murmurlink.uplink.dropped",
		metric.WithDescription("Total chunks dropped before reaching the upstream session."),
	); err != nil {
		return nil, err
	}

	// Relay.
	if met.RelayClients, err = m.Int64UpDownCounter("murmurlink.relay.clients",
		metric.WithDescription("Number of connected display clients."),
	); err != nil {
		return nil, err
	}
	if met.RelayEvicted, err = m.Int64Counter("murmurlink.relay.evicted",
		metric.WithDescription("Total display clients dropped for falling behind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.SegmentDuration, err = m.Float64Histogram("murmurlink.capture.segment.duration",
		metric.WithDescription("Length of detected speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmurlink.http.request.duration",
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

// RecordSegment records a finished speech segment: the counter increment and
// the duration histogram sample.
func (m *Metrics) RecordSegment(ctx context.Context, duration float64) {
	m.SpeechSegments.Add(ctx, 1)
	m.SegmentDuration.Record(ctx, duration)
}

// RecordPipelineStats records deltas of the capture engine's cumulative
// counters. Callers snapshot the engine's stats, diff against the previous
// snapshot, and pass the deltas here.
func (m *Metrics) RecordPipelineStats(ctx context.Context, blocks, suppressed, rmsDropped int64) {
	if blocks > 0 {
		m.BlocksProcessed.Add(ctx, blocks)
	}
	if suppressed > 0 {
		m.ChunksSuppressed.Add(ctx, suppressed)
	}
	if rmsDropped > 0 {
		m.RMSDropped.Add(ctx, rmsDropped)
	}
}
