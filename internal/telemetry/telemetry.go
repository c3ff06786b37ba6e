// Package telemetry wires OpenTelemetry metrics for evaltrack.
//
// Telemetry is off by default and then installs a no-op meter provider.
// With telemetry.stdout set, metrics are printed to stdout periodically,
// which is meant for local debugging.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "evaltrack"

type Options struct {
	Enabled     bool
	Stdout      bool
	ServiceName string
	Version     string
	Interval    time.Duration
}

// Init installs the global meter provider and returns its shutdown func.
func Init(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if !opts.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "evaltrack"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if opts.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		interval := opts.Interval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		mopts = append(mopts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Meter returns a meter with the given instrumentation name (or the global scope).
func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// EngineInstruments are the counters the workflow engine records.
type EngineInstruments struct {
	Transitions  metric.Int64Counter
	Replacements metric.Int64Counter
	Conflicts    metric.Int64Counter
	Errors       metric.Int64Counter
	Duration     metric.Float64Histogram
}

// NewEngineInstruments creates the engine instruments on m. A nil meter uses
// the global provider.
func NewEngineInstruments(m metric.Meter) (*EngineInstruments, error) {
	if m == nil {
		m = Meter(instrumentationScope + "/engine")
	}
	var errs []error
	transitions, err := m.Int64Counter("evaltrack.matrix.transitions",
		metric.WithDescription("Applied matrix status transitions"))
	errs = append(errs, err)
	replacements, err := m.Int64Counter("evaltrack.findings.replacements",
		metric.WithDescription("Successful findings replacements"))
	errs = append(errs, err)
	conflicts, err := m.Int64Counter("evaltrack.findings.conflicts",
		metric.WithDescription("Findings replacements rejected for a stale version"))
	errs = append(errs, err)
	failures, err := m.Int64Counter("evaltrack.engine.errors",
		metric.WithDescription("Engine operations that returned an error"))
	errs = append(errs, err)
	dur, err := m.Float64Histogram("evaltrack.engine.operation.duration",
		metric.WithDescription("Engine operation duration in milliseconds"),
		metric.WithUnit("ms"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("telemetry: engine instruments: %w", err)
	}
	return &EngineInstruments{
		Transitions:  transitions,
		Replacements: replacements,
		Conflicts:    conflicts,
		Errors:       failures,
		Duration:     dur,
	}, nil
}
