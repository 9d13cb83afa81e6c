package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/tagflow/runtime"
)

const instrumentationName = "github.com/petal-labs/tagflow"

// Config configures Setup.
type Config struct {
	ServiceName string
	// Endpoint is the OTLP/HTTP host:port. Empty disables export; spans
	// and metrics are still produced in-process.
	Endpoint string
	Insecure bool
}

// Telemetry owns the providers built by Setup.
type Telemetry struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	Tracing *TracingHandler
	Metrics *MetricsHandler
}

// Setup builds tracer and meter providers and the handlers fed from them.
// When an endpoint is set the tracer provider exports over OTLP/HTTP and
// is installed globally.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "tagflow"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	if cfg.Endpoint != "" {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	metrics, err := NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	return &Telemetry{
		tp:      tp,
		mp:      mp,
		Tracing: NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics: metrics,
	}, nil
}

// Handler returns an event handler feeding both the tracing and metrics
// handlers.
func (t *Telemetry) Handler() runtime.EventHandler {
	return runtime.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.tp.Shutdown(ctx); err != nil {
		return err
	}
	return t.mp.Shutdown(ctx)
}
