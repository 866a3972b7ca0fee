// Package telemetry wires OpenTelemetry tracing for the API and repair binaries.
package telemetry

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const defaultServiceName = "inkwell-api"

// Init installs a global tracer provider. Without OTEL_EXPORTER_OTLP_ENDPOINT
// spans are recorded but not exported. The returned func flushes and stops it.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5))
	insecure := os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	required := os.Getenv("OTEL_REQUIRED") == "true"
	sampler := parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG"))

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	install := func(opts ...sdktrace.TracerProviderOption) func(context.Context) error {
		opts = append(opts, sdktrace.WithResource(res), sdktrace.WithSampler(sampler))
		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		return tp.Shutdown
	}

	if endpoint == "" {
		return install(), nil
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		if required {
			return nil, err
		}
		log.Printf("otel exporter disabled: %v", err)
		return install(), nil
	}
	return install(sdktrace.WithBatcher(exporter)), nil
}

func parseSampler(name, arg string) sdktrace.Sampler {
	ratio := 1.0
	if arg = strings.TrimSpace(arg); arg != "" {
		if val, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = min(max(val, 0), 1)
		}
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	return otelhttp.NewMiddleware(serviceName)
}

// InstrumentClient wraps an HTTP client's transport with OTel spans.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
