// Package telemetry wires OpenTelemetry tracing and metrics for the cache
// and correlates zerolog output with active spans.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Options selects what Setup installs.
type Options struct {
	Service string
	Version string
	Enabled bool

	// Output receives pretty-printed spans and metrics. Defaults to stderr,
	// which leaves stdout to client commands printing results.
	Output io.Writer

	// MetricInterval is the metric export period. 0 keeps the SDK default.
	MetricInterval time.Duration
}

// Shutdown flushes pending spans and metrics and stops the providers.
type Shutdown func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs global tracer and meter providers exporting to
// opts.Output. When opts.Enabled is false the global providers stay no-op
// and the returned Shutdown does nothing.
func Setup(opts Options) (Shutdown, error) {
	if !opts.Enabled {
		return noopShutdown, nil
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	spans, err := stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("span exporter: %w", err)
	}
	metrics, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", opts.Service),
		attribute.String("service.version", opts.Version),
	)

	var readerOpts []sdkmetric.PeriodicReaderOption
	if opts.MetricInterval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(opts.MetricInterval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metrics, readerOpts...)),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		// Spans first: ending them can still record metrics.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Tracer returns the tracer for an instrumented package.
func Tracer(pkg string) trace.Tracer {
	return otel.Tracer(pkg)
}

// Meter returns the meter for an instrumented package.
func Meter(pkg string) metric.Meter {
	return otel.Meter(pkg)
}
