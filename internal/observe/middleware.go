package observe

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
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

// debugRoute collapses a request path onto the debug server's known routes
// so the duration histogram stays low-cardinality. Anything else — scanners,
// typos, stray probes — lands in a single bucket.
func debugRoute(path string) string {
	switch path {
	case "/healthz", "/readyz", "/metrics":
		return path
	}
	return "other"
}

// Middleware instruments the debug mux: a server span per request, the
// request duration recorded by method and normalized route, and a completion
// log carrying the trace. The debug server is loopback-bound and talked to
// by Prometheus and the occasional curl, so there is no inbound trace
// context to honour.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			route := debugRoute(r.URL.Path)

			ctx, span := StartSpan(r.Context(), "debug "+r.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(route),
				),
			)
			defer span.End()

			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
				),
			)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.statusCode))

			// Debug level: /metrics is scraped continuously and would
			// drown the conversation log at Info.
			Logger(ctx).Debug("debug request served",
				"method", r.Method,
				"route", route,
				"status", rec.statusCode,
				"duration", duration,
			)
		})
	}
}
