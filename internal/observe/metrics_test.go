package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameSent(ctx, 300*time.Microsecond, 2)
	m.RecordFrameSent(ctx, 500*time.Microsecond, 1)
	m.RecordFrameDecoded(ctx, 100*time.Microsecond, nil)
	m.RecordFrameDecoded(ctx, 200*time.Microsecond, errors.New("bad frame"))

	rm := collect(t, reader)

	for _, name := range []string{"purrvoice.encode.duration", "purrvoice.decode.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

// sumValue returns the value of the data point of a sum metric whose
// attributes include every key=value in want.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string, want ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want {
			v, ok := dp.Attributes.Value(kv.Key)
			if !ok || v != kv.Value {
				match = false
				break
			}
		}
		if match {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %v", name, want)
	return 0
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameSent(ctx, time.Millisecond, 3)
	m.RecordFrameSent(ctx, time.Millisecond, 1)
	m.RecordFrameDecoded(ctx, time.Millisecond, nil)
	m.RecordFrameDecoded(ctx, time.Millisecond, nil)
	m.RecordFrameDecoded(ctx, time.Millisecond, errors.New("bad frame"))
	m.RecordControlDropped(ctx, "mute")
	m.RecordFilterFallback(ctx, "denoise")
	m.SendErrors.Add(ctx, 1)
	m.FilterRejects.Add(ctx, 2)

	rm := collect(t, reader)

	tests := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{name: "purrvoice.frames.encoded", want: 2},
		{name: "purrvoice.fragments.sent", want: 4},
		{name: "purrvoice.frames.decoded", attrs: []attribute.KeyValue{Attr("status", "ok")}, want: 2},
		{name: "purrvoice.frames.decoded", attrs: []attribute.KeyValue{Attr("status", "error")}, want: 1},
		{name: "purrvoice.control.dropped", attrs: []attribute.KeyValue{Attr("kind", "mute")}, want: 1},
		{name: "purrvoice.filter.fallbacks", attrs: []attribute.KeyValue{Attr("kind", "denoise")}, want: 1},
		{name: "purrvoice.send.errors", want: 1},
		{name: "purrvoice.filter.rejects", want: 2},
	}
	for _, tc := range tests {
		if got := sumValue(t, rm, tc.name, tc.attrs...); got != tc.want {
			t.Errorf("%s%v = %d, want %d", tc.name, tc.attrs, got, tc.want)
		}
	}
}

func TestActiveParticipantsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveParticipants.Record(ctx, 4)
	m.ActiveParticipants.Record(ctx, 3)

	rm := collect(t, reader)
	met := findMetric(rm, "purrvoice.active_participants")
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) == 0 || g.DataPoints[0].Value != 3 {
		t.Errorf("gauge = %+v, want last value 3", g.DataPoints)
	}
}

func TestObserve(t *testing.T) {
	m, reader := newTestMetrics(t)

	snap := Snapshot{
		Dropped: map[string]map[string]uint64{
			"relay":    {"incomplete": 2, "stale": 1},
			"receiver": {"out_of_order": 5},
		},
		RelayedFrames:    40,
		MalformedPackets: 3,
		SpoofedPackets:   1,
		UnderrunSamples:  960,
		OverflowSamples:  480,
		SilenceSamples:   1440,
		TrimmedSamples:   640,
	}
	reg, err := m.Observe(func() Snapshot { return snap })
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	rm := collect(t, reader)
	checks := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"purrvoice.frames.dropped", []attribute.KeyValue{Attr("component", "relay"), Attr("reason", "incomplete")}, 2},
		{"purrvoice.frames.dropped", []attribute.KeyValue{Attr("component", "receiver"), Attr("reason", "out_of_order")}, 5},
		{"purrvoice.relay.frames", nil, 40},
		{"purrvoice.relay.rejected", []attribute.KeyValue{Attr("reason", "malformed")}, 3},
		{"purrvoice.relay.rejected", []attribute.KeyValue{Attr("reason", "spoofed")}, 1},
		{"purrvoice.playback.underrun", nil, 960},
		{"purrvoice.playback.overflow", nil, 480},
		{"purrvoice.playback.silence", nil, 1440},
		{"purrvoice.playback.trimmed", nil, 640},
	}
	for _, c := range checks {
		if got := sumValue(t, rm, c.name, c.attrs...); got != c.want {
			t.Errorf("%s%v = %d, want %d", c.name, c.attrs, got, c.want)
		}
	}

	if err := reg.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "purrvoice.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
