// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the instruments trapwatch records.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope of every trapwatch tracer and meter.
const ScopeName = "github.com/ashita-ai/trapwatch"

// Shutdown flushes and stops the exporters.
type Shutdown func(ctx context.Context) error

// Init configures the global OpenTelemetry tracer and meter providers.
// If endpoint is empty, OTEL is disabled and no-op providers are used.
// Returns a shutdown function that must be called during graceful shutdown.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
	}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// traceparent is propagated to the vendor API through otelhttp.
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(endpoint),
	}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp,
				sdkmetric.WithInterval(15*time.Second),
			),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Meter returns the global meter for the trapwatch scope.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(ScopeName)
}

// Tracer returns the global tracer for the trapwatch scope.
func Tracer() trace.Tracer {
	return otel.Tracer(ScopeName)
}

// Instruments are the metrics recorded by the runner.
type Instruments struct {
	SamplesEvaluated metric.Int64Counter
	TrapFailures     metric.Int64Counter
	PublishMessages  metric.Int64Counter
	RunDuration      metric.Float64Histogram
}

// NewInstruments creates the runner's instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	samples, err := meter.Int64Counter("trapwatch.samples.evaluated",
		metric.WithDescription("Samples run through the evaluation engine"),
		metric.WithUnit("{sample}"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: samples counter: %w", err)
	}
	failures, err := meter.Int64Counter("trapwatch.trap.failures",
		metric.WithDescription("Traps whose evaluation run failed"),
		metric.WithUnit("{trap}"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failures counter: %w", err)
	}
	published, err := meter.Int64Counter("trapwatch.publish.messages",
		metric.WithDescription("Payloads delivered to the hub"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: publish counter: %w", err)
	}
	duration, err := meter.Float64Histogram("trapwatch.run.duration",
		metric.WithDescription("Wall time of one pass over all traps"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("telemetry: run duration histogram: %w", err)
	}
	return &Instruments{
		SamplesEvaluated: samples,
		TrapFailures:     failures,
		PublishMessages:  published,
		RunDuration:      duration,
	}, nil
}
