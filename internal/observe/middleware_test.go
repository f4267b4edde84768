package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// testSetup creates both metrics and tracing infrastructure for middleware
// tests.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	// Metrics.
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Tracing.
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

// debugMux builds the mux shape the debug server serves: liveness,
// readiness and the metrics scrape.
func debugMux(ready bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// hit serves one request through the instrumented handler.
func hit(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// durationPoints returns the route attribute and count of every data point
// recorded on the request-duration histogram.
func durationPoints(t *testing.T, reader *sdkmetric.ManualReader) map[string]uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "parlance.http.request.duration")
	if met == nil {
		t.Fatal("parlance.http.request.duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("parlance.http.request.duration is not a histogram")
	}
	points := make(map[string]uint64, len(hist.DataPoints))
	for _, dp := range hist.DataPoints {
		route, ok := dp.Attributes.Value("route")
		if !ok {
			t.Fatal("data point missing route attribute")
		}
		points[route.AsString()] += dp.Count
	}
	return points
}

func TestMiddleware_RecordsDurationPerRoute(t *testing.T) {
	m, reader, _ := testSetup(t)
	handler := Middleware(m)(debugMux(true))

	hit(handler, "/healthz")
	hit(handler, "/healthz")
	hit(handler, "/metrics")
	hit(handler, "/readyz")

	points := durationPoints(t, reader)
	if got := points["/healthz"]; got != 2 {
		t.Errorf("/healthz observations = %d, want 2", got)
	}
	if got := points["/metrics"]; got != 1 {
		t.Errorf("/metrics observations = %d, want 1", got)
	}
	if got := points["/readyz"]; got != 1 {
		t.Errorf("/readyz observations = %d, want 1", got)
	}
}

func TestMiddleware_CollapsesUnknownPaths(t *testing.T) {
	m, reader, exp := testSetup(t)
	handler := Middleware(m)(debugMux(true))

	hit(handler, "/favicon.ico")
	hit(handler, "/debug/pprof/heap")

	points := durationPoints(t, reader)
	if got := points["other"]; got != 2 {
		t.Errorf("collapsed observations = %d, want 2", got)
	}
	if len(points) != 1 {
		t.Errorf("route cardinality = %d, want 1; points: %v", len(points), points)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	if spans[0].Name != "debug GET other" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "debug GET other")
	}
}

func TestMiddleware_CreatesServerSpan(t *testing.T) {
	m, _, exp := testSetup(t)
	handler := Middleware(m)(debugMux(true))

	hit(handler, "/readyz")

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("middleware did not create a span")
	}
	if spans[0].Name != "debug GET /readyz" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "debug GET /readyz")
	}
	if spans[0].SpanKind != trace.SpanKindServer {
		t.Errorf("span kind = %v, want server", spans[0].SpanKind)
	}
}

func TestMiddleware_CapturesStatusCode(t *testing.T) {
	m, _, exp := testSetup(t)
	handler := Middleware(m)(debugMux(false))

	rec := hit(handler, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("response status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	spans := exp.GetSpans()
	if len(spans) == 0 {
		t.Fatal("no spans recorded")
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 503 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code attribute")
	}
}
