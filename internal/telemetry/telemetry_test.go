package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func sampleDecision(s sdktrace.Sampler) sdktrace.SamplingDecision {
	return s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       oteltrace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Name:          "telemetry-test",
	}).Decision
}

func TestParseSampler(t *testing.T) {
	cases := []struct {
		name, arg string
		want      sdktrace.SamplingDecision
	}{
		{name: "always_off", want: sdktrace.Drop},
		{name: "always_on", want: sdktrace.RecordAndSample},
		{name: "traceidratio", arg: "2", want: sdktrace.RecordAndSample},
		{name: "traceidratio", arg: "-1", want: sdktrace.Drop},
		{name: "parentbased", arg: "0", want: sdktrace.Drop},
		{name: "unknown", want: sdktrace.RecordAndSample},
	}
	for _, tc := range cases {
		if got := sampleDecision(parseSampler(tc.name, tc.arg)); got != tc.want {
			t.Fatalf("parseSampler(%q, %q) decision = %v, want %v", tc.name, tc.arg, got, tc.want)
		}
	}
}

func TestParseHeaders(t *testing.T) {
	headers := parseHeaders("k1=v1, , =bad, k2 = v2,broken")
	if len(headers) != 2 || headers["k1"] != "v1" || headers["k2"] != "v2" {
		t.Fatalf("unexpected headers %#v", headers)
	}
	if got := parseHeaders("   "); got != nil {
		t.Fatalf("expected nil for empty header string, got %v", got)
	}
}

func TestInitWithoutExporter(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := Init(context.Background(), "")
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestHTTPMiddlewareAndClient(t *testing.T) {
	handler := HTTPMiddleware("  ")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}

	existing := &http.Client{}
	if InstrumentClient(existing) != existing || existing.Transport == nil {
		t.Fatal("expected client transport to be wrapped in place")
	}
}
