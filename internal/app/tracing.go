package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const tracingExportTimeout = 5 * time.Second

type shutdownFunc func(context.Context) error

// initTracing installs the global tracer provider when tracing is enabled.
// Components already hold tracers from otel.Tracer; those delegate to
// whatever provider is installed here.
func (a *App) initTracing(ctx context.Context) (shutdownFunc, error) {
	if !a.config.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := strings.TrimSpace(a.config.TracingEndpoint)
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(tracingExportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("init tracing exporter: %w", err)
	}

	res, err := a.tracingResource(ctx)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	a.logger.Info("tracing enabled",
		"endpoint", endpoint,
		"service_name", a.config.TracingServiceName,
	)
	return tp.Shutdown, nil
}

// tracingResource describes this node: its identity plus the storage mode it
// was started with.
func (a *App) tracingResource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(a.config.TracingServiceName),
			semconv.ServiceInstanceID(a.config.NodeID),
			attribute.String("consensus.type", string(a.config.ConsensusType)),
			attribute.Bool("raft.persistent", a.config.Persistent),
			attribute.String("raft.journal_codec", a.config.JournalCodec.String()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("init tracing resource: %w", err)
	}
	return res, nil
}
