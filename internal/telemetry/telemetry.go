// Package telemetry wires OpenTelemetry tracing and metrics around the
// memory substrate's hot paths (Ingestor poll ticks, Router queries,
// Manifest builds, Outbox drains), generalized from the Strob0t-CodeForge
// pack repo's internal/adapter/otel package. When disabled, the global
// providers stay no-op and Init returns a no-op shutdown function.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "claudemem"
const meterName = "claudemem"

// Config controls whether telemetry is exported and where.
type Config struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// ShutdownFunc flushes and shuts down the trace provider.
type ShutdownFunc func(ctx context.Context) error

// Init initializes the global TracerProvider (exported via OTLP/HTTP when
// cfg.Enabled) and a MeterProvider that instruments stay live against
// even with no configured exporter.
func Init(cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(_ context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "claudemem"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return shutdown, nil
}

// StartIngestTick starts a span around one Ingestor poll tick.
func StartIngestTick(ctx context.Context, fileCount int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ingest.tick",
		trace.WithAttributes(attribute.Int("ingest.file_count", fileCount)))
}

// StartRouterQuery starts a span around one Router.Query call.
func StartRouterQuery(ctx context.Context, scope, query string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "router.query",
		trace.WithAttributes(
			attribute.String("router.scope", scope),
			attribute.String("router.query", query),
		))
}

// StartManifestBuild starts a span around one Manifest Build call.
func StartManifestBuild(ctx context.Context, project string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "manifest.build",
		trace.WithAttributes(attribute.String("manifest.project", project)))
}

// StartOutboxDrain starts a span around one Outbox drain cycle.
func StartOutboxDrain(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "outbox.drain")
}

// Metrics holds the counters/histograms instrumenting the hot paths.
type Metrics struct {
	IngestTicks      metric.Int64Counter
	IngestFiles      metric.Int64Counter
	RouterQueries    metric.Int64Counter
	ManifestsBuilt   metric.Int64Counter
	OutboxDrains     metric.Int64Counter
	OutboxRowsSent   metric.Int64Counter
	OutboxRowsFailed metric.Int64Counter
}

// NewMetrics creates all metric instruments against the global MeterProvider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.IngestTicks, err = meter.Int64Counter("claudemem.ingest.ticks"); err != nil {
		return nil, err
	}
	if m.IngestFiles, err = meter.Int64Counter("claudemem.ingest.files_processed"); err != nil {
		return nil, err
	}
	if m.RouterQueries, err = meter.Int64Counter("claudemem.router.queries"); err != nil {
		return nil, err
	}
	if m.ManifestsBuilt, err = meter.Int64Counter("claudemem.manifest.builds"); err != nil {
		return nil, err
	}
	if m.OutboxDrains, err = meter.Int64Counter("claudemem.outbox.drains"); err != nil {
		return nil, err
	}
	if m.OutboxRowsSent, err = meter.Int64Counter("claudemem.outbox.rows_sent"); err != nil {
		return nil, err
	}
	if m.OutboxRowsFailed, err = meter.Int64Counter("claudemem.outbox.rows_failed"); err != nil {
		return nil, err
	}
	return m, nil
}
