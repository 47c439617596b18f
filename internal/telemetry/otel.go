package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const defaultEndpoint = "http://localhost:4318/v1/traces"

// exporterTarget resolves OTEL_EXPORTER_OTLP_TRACES_ENDPOINT, which may be a
// full URL or a bare host:port.
func exporterTarget(raw string) (endpoint, path string, insecure bool) {
	if raw == "" {
		raw = defaultEndpoint
	}
	endpoint, path, insecure = "localhost:4318", "/v1/traces", true
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw, path, insecure
	}
	u, err := url.Parse(raw)
	if err != nil {
		return endpoint, path, insecure
	}
	if u.Host != "" {
		endpoint = u.Host
	}
	if u.Path != "" {
		path = u.Path
	}
	return endpoint, path, u.Scheme == "http"
}

// InitTracer installs the global tracer provider and propagators. The returned
// function flushes and shuts the provider down.
func InitTracer(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	endpoint, path, insecure := exporterTarget(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"))
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithURLPath(path),
	}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1.0))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Printf("OpenTelemetry initialized for service: %s (endpoint=%s%s)", serviceName, endpoint, path)
	return tp.Shutdown, nil
}
