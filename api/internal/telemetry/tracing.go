package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/irgordon/rulesync/api/internal/core/domain"
)

const tracerName = "github.com/irgordon/rulesync"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider installs an OTLP gRPC exporter. An empty endpoint keeps
// the global no-op provider. The returned function flushes on shutdown.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("rulesync"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// StartOperationSpan opens the parent span of one engine operation.
func StartOperationSpan(ctx context.Context, operation, app string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rules."+operation,
		trace.WithAttributes(
			attribute.String("rulesync.operation", operation),
			attribute.String("rulesync.app", app),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartSinkSpan opens a child span for one fan-out attempt.
func StartSinkSpan(ctx context.Context, sink string, machine domain.MachineIdentity, rules int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rules.sink."+sink,
		trace.WithAttributes(
			attribute.String("rulesync.app", machine.App),
			attribute.String("rulesync.machine", machine.Address()),
			attribute.Int("rulesync.rules", rules),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
