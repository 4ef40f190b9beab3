package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// defaultServiceName is reported in telemetry when the config leaves the
// service name empty.
const defaultServiceName = "aircast"

// ProviderConfig configures the OpenTelemetry SDK providers for the process.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry.
	// Default: "aircast".
	ServiceName string

	// ServiceVersion is the build version reported in telemetry, usually
	// injected via ldflags.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are still
	// recorded in-process (correlation IDs keep working) but nothing is
	// exported. Deployments that ship traces plug in an OTLP exporter here.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider wires up the global OTel providers: a meter provider backed by
// the Prometheus exporter bridge, so every instrument lands in the default
// Prometheus registry served at /metrics, and a tracer provider with the
// configured exporter.
//
// The returned shutdown function flushes and closes both providers; defer it
// from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var closers []func(context.Context) error

	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	closers = append(closers, mp.Shutdown)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	closers = append(closers, tp.Shutdown)

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range closers {
			if e := fn(ctx); e != nil {
				errs = append(errs, e)
			}
		}
		return errors.Join(errs...)
	}, nil
}
