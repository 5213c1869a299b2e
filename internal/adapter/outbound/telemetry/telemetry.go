// Package telemetry wires OpenTelemetry meter and tracer providers.
//
// With stdout export disabled (the default) both providers are no-ops, so
// instrumented code pays almost nothing. With it enabled, metrics and spans
// are written as JSON to the configured writer (stderr by default).
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the meter/tracer name used by this module.
const InstrumentationName = "github.com/subsync/subsync-limiter"

// Config controls exporter setup.
type Config struct {
	// Stdout enables the stdout metric and trace exporters.
	Stdout bool
	// Writer receives exported data. Defaults to os.Stderr.
	Writer io.Writer
	// Interval is the metric export period. Defaults to 30s.
	Interval time.Duration
}

// Telemetry owns the providers and their shutdown hooks.
type Telemetry struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider

	shutdown []func(context.Context) error
}

// Setup builds providers according to cfg.
func Setup(cfg Config, logger *slog.Logger) (*Telemetry, error) {
	if !cfg.Stdout {
		logger.Debug("telemetry export disabled")
		return Noop(), nil
	}

	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
	}
	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(interval))),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))

	logger.Info("telemetry stdout export enabled", "interval", interval)

	return &Telemetry{
		MeterProvider:  mp,
		TracerProvider: tp,
		shutdown:       []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Noop returns providers that discard everything.
func Noop() *Telemetry {
	return &Telemetry{
		MeterProvider:  metricnoop.NewMeterProvider(),
		TracerProvider: tracenoop.NewTracerProvider(),
	}
}

// Meter returns the module's meter.
func (t *Telemetry) Meter() metric.Meter {
	return t.MeterProvider.Meter(InstrumentationName)
}

// Tracer returns the module's tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.TracerProvider.Tracer(InstrumentationName)
}

// Shutdown flushes and stops the exporters. Safe to call on Noop telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdown = nil
	return errors.Join(errs...)
}
