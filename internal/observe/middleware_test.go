package observe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const participantHeader = "X-Purrvoice-Participant"

// middlewareSetup returns metrics on a manual reader and installs an
// in-memory tracer provider globally.
func middlewareSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()
	m, reader := newTestMetrics(t)
	return m, reader, useTracerProvider(t)
}

// voiceHandler stands in for the relay's websocket endpoint: it assigns a
// participant id and switches protocols.
func voiceHandler(id string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(participantHeader, id)
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
}

func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	met := findMetric(collect(t, reader), name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s is not a float histogram", name)
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

// ── Requests ─────────────────────────────────────────────────────────────────

func TestMiddleware_Request(t *testing.T) {
	m, reader, exp := middlewareSetup(t)
	log, buf := bufferLogger()

	var cid string
	h := Middleware(m, WithMiddlewareLogger(log))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if len(cid) != 32 {
		t.Fatalf("correlation ID %q, want 32 hex characters", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	if got := spanAttr(spans[0], "http.response.status_code"); got != "503" {
		t.Errorf("status attribute = %q, want 503", got)
	}

	if n := histogramCount(t, reader, "purrvoice.http.request.duration"); n != 1 {
		t.Errorf("request histogram count = %d, want 1", n)
	}
	if n := histogramCount(t, reader, "purrvoice.voice.connection.duration"); n != 0 {
		t.Errorf("connection histogram count = %d, want 0", n)
	}
	out := buf.String()
	if !strings.Contains(out, "request completed") || !strings.Contains(out, "trace_id="+cid) {
		t.Errorf("log line missing message or trace id: %s", out)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	m, _, _ := middlewareSetup(t)
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var cid string
	h := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		cid = CorrelationID(r.Context())
	}))
	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if cid != traceID {
		t.Errorf("correlation ID = %q, want %q", cid, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
	if got := rec.Header().Get("traceparent"); !strings.Contains(got, traceID) {
		t.Errorf("traceparent = %q, want trace %s", got, traceID)
	}
}

// ── Voice connections ────────────────────────────────────────────────────────

func TestMiddleware_VoiceConnection(t *testing.T) {
	m, reader, exp := middlewareSetup(t)
	log, buf := bufferLogger()

	h := Middleware(m,
		WithMiddlewareLogger(log),
		WithStreamPaths("/voice"),
		WithParticipantHeader(participantHeader),
	)(voiceHandler("carol"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/voice?participant=carol", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "voice.connection" {
		t.Errorf("span name = %q, want voice.connection", spans[0].Name)
	}
	if got := spanAttr(spans[0], AttrParticipant); got != "carol" {
		t.Errorf("participant attribute = %q, want carol", got)
	}
	if got := spanAttr(spans[0], "http.response.status_code"); got != "101" {
		t.Errorf("status attribute = %q, want 101", got)
	}

	if n := histogramCount(t, reader, "purrvoice.voice.connection.duration"); n != 1 {
		t.Errorf("connection histogram count = %d, want 1", n)
	}
	if n := histogramCount(t, reader, "purrvoice.http.request.duration"); n != 0 {
		t.Errorf("request histogram count = %d, want 0", n)
	}
	if out := buf.String(); !strings.Contains(out, "voice connection closed") || !strings.Contains(out, "participant=carol") {
		t.Errorf("log line missing connection details: %s", out)
	}
}

func TestMiddleware_OtherPathsAreRequests(t *testing.T) {
	m, _, exp := middlewareSetup(t)

	h := Middleware(m, WithStreamPaths("/voice"))(voiceHandler("dave"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/voice/extra", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /voice/extra" {
		t.Fatalf("spans = %+v, want one request span", spans)
	}
	if got := spanAttr(spans[0], AttrParticipant); got != "" {
		t.Errorf("participant attribute = %q on a plain request", got)
	}
}

func TestStatusRecorder_Unwrap(t *testing.T) {
	t.Parallel()
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, statusCode: http.StatusOK}
	if rec.Unwrap() != http.ResponseWriter(inner) {
		t.Error("Unwrap does not return the wrapped writer")
	}
	rec.WriteHeader(http.StatusTeapot)
	if rec.statusCode != http.StatusTeapot || inner.Code != http.StatusTeapot {
		t.Errorf("status = %d/%d, want 418", rec.statusCode, inner.Code)
	}
}
