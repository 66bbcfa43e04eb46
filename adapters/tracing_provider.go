package adapters

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// TracingConfig selects and configures the span exporter a requestor process
// reports to. Kind is one of "otlp", "jaeger", "zipkin", or "none".
type TracingConfig struct {
	Kind        string
	Endpoint    string
	ServiceName string
}

// NewTracerProvider builds an SDK TracerProvider wired to the configured
// exporter. Callers must Shutdown(ctx) it on process exit to flush pending
// spans. Kind "none" returns a provider with no span processors, which drops
// every span at negligible cost — useful for local runs without a collector.
func NewTracerProvider(ctx context.Context, cfg TracingConfig) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceNameOrDefault(cfg.ServiceName)),
	))
	if err != nil {
		return nil, fmt.Errorf("build tracing resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch cfg.Kind {
	case "", "none":
		return sdktrace.NewTracerProvider(opts...), nil
	case "otlp":
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "jaeger":
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("build jaeger exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	case "zipkin":
		exporter, err := zipkin.New(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("build zipkin exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown tracing exporter kind %q", cfg.Kind)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func serviceNameOrDefault(name string) string {
	if name == "" {
		return "rtm"
	}
	return name
}
