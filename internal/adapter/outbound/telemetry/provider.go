// Package telemetry builds OpenTelemetry trace and metric providers for the
// admission engine and adapts them to the Coordinator observer interface.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter name used by ratekeeper.
const InstrumentationName = "github.com/Sentinel-Gate/ratekeeper"

// Options configures the providers built by New.
type Options struct {
	// ServiceName is recorded as the service.name resource attribute.
	ServiceName string

	// Writer receives exported spans and metrics. Nil disables export while
	// keeping the providers usable.
	Writer io.Writer

	// MetricInterval is how often metrics are exported. Default 30s.
	MetricInterval time.Duration

	// SampleRatio is the fraction of root spans recorded, in [0, 1].
	SampleRatio float64
}

// Providers holds the trace and meter providers. Nothing is installed globally;
// callers pass Tracer() and MeterProvider to the components that need them.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
}

// New creates providers exporting to opts.Writer in the stdout JSON format.
func New(opts Options) (*Providers, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "ratekeeper"
	}
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = 30 * time.Second
	}
	if opts.SampleRatio < 0 || opts.SampleRatio > 1 {
		return nil, fmt.Errorf("sample ratio must be in [0, 1], got %v", opts.SampleRatio)
	}

	res := resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))),
	}
	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if opts.Writer != nil {
		spanExporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
		if err != nil {
			return nil, fmt.Errorf("create span exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))

		metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(opts.Writer))
		if err != nil {
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.MetricInterval)),
		))
	}

	return &Providers{
		TracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		MeterProvider:  sdkmetric.NewMeterProvider(metricOpts...),
	}, nil
}

// Tracer returns the tracer for admission checks.
func (p *Providers) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(InstrumentationName)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.TracerProvider.Shutdown(ctx),
		p.MeterProvider.Shutdown(ctx),
	)
}
