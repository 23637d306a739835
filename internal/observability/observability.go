// Package observability wires the process-wide logger, tracer and meter providers.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	serviceName    = "booklibrary"
	metricInterval = 15 * time.Second
)

// NewLogger returns a JSON logger at the given level and installs it as the
// slog default.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// Shutdown flushes and stops what Setup started.
type Shutdown func(context.Context) error

type settings struct {
	readers []sdkmetric.Reader
}

// Option configures Setup.
type Option func(*settings)

// WithMetricReader adds a reader to the meter provider, in addition to the
// OTLP exporter when one is configured.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(s *settings) { s.readers = append(s.readers, r) }
}

// Setup installs the global tracer and meter providers. Spans and metrics are
// exported over OTLP/HTTP when endpoint is set. Without an endpoint spans are
// dropped and metrics are only visible to readers passed with WithMetricReader.
func Setup(ctx context.Context, endpoint, version string, opts ...Option) (Shutdown, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", version),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if endpoint != "" {
		traceExporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter))

		metricExporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp metric exporter: %w", err)
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricInterval))))
	}
	for _, r := range s.readers {
		meterOpts = append(meterOpts, sdkmetric.WithReader(r))
	}

	tp := sdktrace.NewTracerProvider(traceOpts...)
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(
			tp.ForceFlush(ctx), tp.Shutdown(ctx),
			mp.ForceFlush(ctx), mp.Shutdown(ctx),
		)
	}, nil
}
