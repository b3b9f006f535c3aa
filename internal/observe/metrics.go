// Package observe provides application-wide observability primitives for
// PurrVoice: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all PurrVoice metrics.
const meterName = "github.com/MrWong99/purrvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// EncodeDuration tracks the time to encode and fragment one frame.
	EncodeDuration metric.Float64Histogram

	// DecodeDuration tracks the time to decode one frame.
	DecodeDuration metric.Float64Histogram

	// --- Counters ---

	// FramesEncoded counts frames sent by the local participant.
	FramesEncoded metric.Int64Counter

	// FramesDecoded counts frames decoded from remote participants. Use
	// with attribute:
	//   attribute.String("status", "ok"|"error")
	FramesDecoded metric.Int64Counter

	// FragmentsSent counts network fragments sent by the local participant.
	FragmentsSent metric.Int64Counter

	// SendErrors counts failed sends of frames and control messages.
	SendErrors metric.Int64Counter

	// ControlDropped counts control messages dropped on a full queue. Use
	// with attribute:
	//   attribute.String("kind", ...)
	ControlDropped metric.Int64Counter

	// FilterRejects counts replicated filter updates that were refused.
	FilterRejects metric.Int64Counter

	// FilterFallbacks counts filter instances running in pass-through mode
	// because their backend is unavailable. Use with attribute:
	//   attribute.String("kind", ...)
	FilterFallbacks metric.Int64Counter

	// --- Gauges ---

	// ActiveParticipants is the number of remote participants currently
	// heard by the local session.
	ActiveParticipants metric.Int64Gauge

	// --- Observed counters, fed by [Metrics.Observe] ---

	// FramesDropped counts frames discarded during reassembly. Attributes:
	//   attribute.String("component", "relay"|"receiver"),
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64ObservableCounter

	// FramesRelayed counts frames fanned out by the relay.
	FramesRelayed metric.Int64ObservableCounter

	// PacketsRejected counts packets the relay refused. Attribute:
	//   attribute.String("reason", "malformed"|"spoofed")
	PacketsRejected metric.Int64ObservableCounter

	// PlaybackUnderrun counts samples the output wanted but the buffer
	// could not provide.
	PlaybackUnderrun metric.Int64ObservableCounter

	// PlaybackOverflow counts samples discarded because the buffer was full.
	PlaybackOverflow metric.Int64ObservableCounter

	// SilenceFilled counts samples of silence inserted to keep the playback
	// lag.
	SilenceFilled metric.Int64ObservableCounter

	// PlaybackTrimmed counts buffered samples dropped to pull a grown
	// playback lead back to the lag.
	PlaybackTrimmed metric.Int64ObservableCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// VoiceConnectionDuration tracks how long participant connections stay
	// open. Upgraded voice connections are kept out of HTTPRequestDuration.
	VoiceConnectionDuration metric.Float64Histogram

	meter metric.Meter
}

// codecBuckets defines histogram bucket boundaries (in seconds) for per-frame
// codec work, which is expected well below one frame duration.
var codecBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("purrvoice.encode.duration",
		metric.WithDescription("Time to encode and fragment one outgoing frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(codecBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("purrvoice.decode.duration",
		metric.WithDescription("Time to decode one incoming frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(codecBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesEncoded, err = m.Int64Counter("purrvoice.frames.encoded",
		metric.WithDescription("Total frames sent by the local participant."),
	); err != nil {
		return nil, err
	}
	if met.FramesDecoded, err = m.Int64Counter("purrvoice.frames.decoded",
		metric.WithDescription("Total frames decoded by status."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsSent, err = m.Int64Counter("purrvoice.fragments.sent",
		metric.WithDescription("Total network fragments sent by the local participant."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("purrvoice.send.errors",
		metric.WithDescription("Total failed sends."),
	); err != nil {
		return nil, err
	}
	if met.ControlDropped, err = m.Int64Counter("purrvoice.control.dropped",
		metric.WithDescription("Total control messages dropped on a full queue, by kind."),
	); err != nil {
		return nil, err
	}
	if met.FilterRejects, err = m.Int64Counter("purrvoice.filter.rejects",
		metric.WithDescription("Total replicated filter updates refused."),
	); err != nil {
		return nil, err
	}
	if met.FilterFallbacks, err = m.Int64Counter("purrvoice.filter.fallbacks",
		metric.WithDescription("Total filter instances created in pass-through mode, by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveParticipants, err = m.Int64Gauge("purrvoice.active_participants",
		metric.WithDescription("Number of remote participants heard by the local session."),
	); err != nil {
		return nil, err
	}

	// Observed counters.
	if met.FramesDropped, err = m.Int64ObservableCounter("purrvoice.frames.dropped",
		metric.WithDescription("Total frames discarded during reassembly, by component and reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesRelayed, err = m.Int64ObservableCounter("purrvoice.relay.frames",
		metric.WithDescription("Total frames fanned out by the relay."),
	); err != nil {
		return nil, err
	}
	if met.PacketsRejected, err = m.Int64ObservableCounter("purrvoice.relay.rejected",
		metric.WithDescription("Total packets refused by the relay, by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderrun, err = m.Int64ObservableCounter("purrvoice.playback.underrun",
		metric.WithDescription("Total samples the output wanted but the buffer could not provide."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackOverflow, err = m.Int64ObservableCounter("purrvoice.playback.overflow",
		metric.WithDescription("Total samples discarded because the playback buffer was full."),
	); err != nil {
		return nil, err
	}
	if met.SilenceFilled, err = m.Int64ObservableCounter("purrvoice.playback.silence",
		metric.WithDescription("Total samples of silence inserted to keep the playback lag."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackTrimmed, err = m.Int64ObservableCounter("purrvoice.playback.trimmed",
		metric.WithDescription("Total buffered samples dropped to bring the playback lead back to the lag."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("purrvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.VoiceConnectionDuration, err = m.Float64Histogram("purrvoice.voice.connection.duration",
		metric.WithDescription("Lifetime of participant voice connections."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 60, 300, 900, 1800, 3600, 7200),
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

// RecordFrameSent records one outgoing frame.
func (m *Metrics) RecordFrameSent(ctx context.Context, encode time.Duration, fragments int) {
	m.EncodeDuration.Record(ctx, encode.Seconds())
	m.FramesEncoded.Add(ctx, 1)
	m.FragmentsSent.Add(ctx, int64(fragments))
}

// RecordFrameDecoded records one decoded frame. A non-nil err marks a frame
// that decoded as silence.
func (m *Metrics) RecordFrameDecoded(ctx context.Context, decode time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DecodeDuration.Record(ctx, decode.Seconds())
	m.FramesDecoded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordControlDropped records a control message of kind dropped on a full
// queue.
func (m *Metrics) RecordControlDropped(ctx context.Context, kind string) {
	m.ControlDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFilterFallback records a filter of kind running in pass-through mode.
func (m *Metrics) RecordFilterFallback(ctx context.Context, kind string) {
	m.FilterFallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Snapshot is a point-in-time reading of the cumulative counters kept by the
// audio pipeline itself.
type Snapshot struct {
	// Dropped maps component ("relay", "receiver") to reason to frames.
	Dropped map[string]map[string]uint64

	RelayedFrames    uint64
	MalformedPackets uint64
	SpoofedPackets   uint64

	UnderrunSamples uint64
	OverflowSamples uint64
	SilenceSamples  uint64
	TrimmedSamples  uint64
}

// Observe registers fn to be read on every metric collection. fn must be
// cheap and safe for concurrent use. Register a single function per process
// and aggregate inside it; the returned registration removes it.
func (m *Metrics) Observe(fn func() Snapshot) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		for component, reasons := range s.Dropped {
			for reason, n := range reasons {
				o.ObserveInt64(m.FramesDropped, int64(n), metric.WithAttributes(
					attribute.String("component", component),
					attribute.String("reason", reason),
				))
			}
		}
		o.ObserveInt64(m.FramesRelayed, int64(s.RelayedFrames))
		o.ObserveInt64(m.PacketsRejected, int64(s.MalformedPackets), metric.WithAttributes(attribute.String("reason", "malformed")))
		o.ObserveInt64(m.PacketsRejected, int64(s.SpoofedPackets), metric.WithAttributes(attribute.String("reason", "spoofed")))
		o.ObserveInt64(m.PlaybackUnderrun, int64(s.UnderrunSamples))
		o.ObserveInt64(m.PlaybackOverflow, int64(s.OverflowSamples))
		o.ObserveInt64(m.SilenceFilled, int64(s.SilenceSamples))
		o.ObserveInt64(m.PlaybackTrimmed, int64(s.TrimmedSamples))
		return nil
	},
		m.FramesDropped,
		m.FramesRelayed,
		m.PacketsRejected,
		m.PlaybackUnderrun,
		m.PlaybackOverflow,
		m.SilenceFilled,
		m.PlaybackTrimmed,
	)
}
