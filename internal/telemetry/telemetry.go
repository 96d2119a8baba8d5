// Package telemetry wires OpenTelemetry into the daemon. Everything here is
// opt-in: without NEOTOMA_OTEL_ENABLED=true, Init installs no-op providers
// and the decorators in this package cost nothing at runtime.
//
// Environment:
//
//	NEOTOMA_OTEL_ENABLED=true            turn telemetry on
//	NEOTOMA_OTEL_STDOUT=true             pretty-print spans and metrics (dev)
//	OTEL_EXPORTER_OTLP_ENDPOINT          OTLP/HTTP metric endpoint, e.g. localhost:4318
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT  metrics-only override of the above
//	OTEL_SERVICE_NAME                    override the reported service name
//
// Spans batch to the pretty stdout exporter; metric export fans out to
// stdout and/or OTLP per the variables above. Point the OTLP endpoint at a
// collector to reach Prometheus, Grafana, Honeycomb, and friends.
package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// instrumentationScope names the default tracer/meter scope.
const instrumentationScope = "github.com/neotoma-io/neotoma"

// closers holds the provider shutdowns Init registered.
var closers []func(context.Context) error

// Enabled reports whether telemetry is active (NEOTOMA_OTEL_ENABLED=true).
func Enabled() bool {
	return os.Getenv("NEOTOMA_OTEL_ENABLED") == "true"
}

// Init installs the global trace and meter providers. Disabled runs get
// no-op providers; no exporter is ever constructed for them.
func Init(ctx context.Context, serviceName, version string) error {
	if !Enabled() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}
	if err := installTraces(res); err != nil {
		return fmt.Errorf("telemetry: traces: %w", err)
	}
	if err := installMetrics(ctx, res); err != nil {
		return fmt.Errorf("telemetry: metrics: %w", err)
	}
	return nil
}

// installTraces batches spans to the stdout exporter. Fan-out to tracing
// backends happens in a collector sidecar, not in-process.
func installTraces(res *resource.Resource) error {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTracerProvider(tp)
	closers = append(closers, tp.Shutdown)
	return nil
}

// installMetrics attaches one periodic reader per configured exporter:
// stdout every 15s under NEOTOMA_OTEL_STDOUT, OTLP/HTTP every 30s when an
// endpoint is set.
func installMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if os.Getenv("NEOTOMA_OTEL_STDOUT") == "true" {
		exp, err := stdoutmetric.New()
		if err != nil {
			return err
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}

	endpoint := cmp.Or(
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
	if endpoint != "" {
		exp, err := buildOTLPMetricExporter(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("otlp exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	closers = append(closers, mp.Shutdown)
	return nil
}

// Tracer returns a tracer for name, defaulting to the package scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(cmp.Or(name, instrumentationScope))
}

// Meter returns a meter for name, defaulting to the package scope.
func Meter(name string) metric.Meter {
	return otel.Meter(cmp.Or(name, instrumentationScope))
}

// Shutdown flushes and stops every provider Init installed. Call it on the
// daemon's way out with a bounded context.
func Shutdown(ctx context.Context) {
	for _, fn := range closers {
		_ = fn(ctx)
	}
	closers = nil
}
