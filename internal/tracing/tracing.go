// Package tracing wires OpenTelemetry for condz. Tracing is opt-in: it is
// enabled only when OTEL_EXPORTER_OTLP_ENDPOINT is set, otherwise [Init]
// leaves the global provider alone and returns a no-op shutdown.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const defaultServiceName = "condz"

// Option configures [Init].
type Option func(*options)

type options struct {
	serviceVersion string
	attributes     map[string]string
}

// WithServiceVersion tags every span with the running build's version.
func WithServiceVersion(version string) Option {
	return func(o *options) { o.serviceVersion = strings.TrimSpace(version) }
}

// WithComponent tags spans with condz.component so the server and condctl
// can share a collector.
func WithComponent(component string) Option {
	return func(o *options) { o.attributes["condz.component"] = component }
}

// Init installs a global tracer provider exporting over OTLP/HTTP and a
// W3C trace-context propagator. The returned func flushes pending spans.
func Init(ctx context.Context, opts ...Option) (shutdown func(context.Context) error, err error) {
	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint: %w", err)
	}

	o := options{attributes: make(map[string]string)}
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, resourceAttributes(o)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func resourceAttributes(o options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceNameFromEnv())}
	if o.serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(o.serviceVersion))
	}
	for key, value := range o.attributes {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

func serviceNameFromEnv() string {
	if name := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); name != "" {
		return name
	}
	return defaultServiceName
}
