package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// statusRecorder wraps [http.ResponseWriter] to capture the status code
// written by the downstream handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and delegates to the wrapped writer.
func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the wrapped writer to [http.ResponseController], which the
// websocket upgrade uses to hijack the connection.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middleware)

type middleware struct {
	log     *slog.Logger
	streams []string
	header  string
}

// WithMiddlewareLogger sets the logger completion lines go to. Default:
// [slog.Default].
func WithMiddlewareLogger(l *slog.Logger) MiddlewareOption {
	return func(m *middleware) { m.log = l }
}

// WithStreamPaths marks paths that serve long-lived voice connections. Their
// span is named "voice.connection" and their lifetime goes to
// [Metrics.VoiceConnectionDuration] instead of the request histogram.
func WithStreamPaths(paths ...string) MiddlewareOption {
	return func(m *middleware) { m.streams = append(m.streams, paths...) }
}

// WithParticipantHeader names the response header a stream handler sets to
// the participant id it assigned. The id is attached to the connection span
// and its log line.
func WithParticipantHeader(name string) MiddlewareOption {
	return func(m *middleware) { m.header = name }
}

// Middleware traces and times every request. It continues an incoming W3C
// trace context, sets X-Correlation-ID to the trace ID and logs one line per
// completed request or closed voice connection.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middleware{}
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			stream := slices.Contains(cfg.streams, r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			name := "HTTP " + r.Method + " " + r.URL.Path
			attrs := []attribute.KeyValue{
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			}
			if stream {
				name = "voice.connection"
			}
			ctx, span := StartSpan(ctx, name,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))
			// Logger carries the span ids; the request context stays free of
			// the span so a TraceHandler does not add them twice.
			log := Logger(ctx, cfg.log)

			if stream {
				id := ""
				if cfg.header != "" {
					id = w.Header().Get(cfg.header)
				}
				if id != "" {
					span.SetAttributes(AttrParticipant.String(id))
				}
				m.VoiceConnectionDuration.Record(ctx, duration.Seconds())
				log.LogAttrs(r.Context(), slog.LevelInfo, "voice connection closed",
					slog.String("participant", id),
					slog.String("path", r.URL.Path),
					slog.Int("status", rec.statusCode),
					slog.Duration("duration", duration),
				)
				return
			}
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			log.LogAttrs(r.Context(), slog.LevelDebug, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", duration),
			)
		})
	}
}
