// Package tracing bootstraps OpenTelemetry tracing for cmd/proxy and
// cmd/renew, grounded on the teacher's telemetry.InitTracer call convention
// (apps/discovery-service/cmd/api/main.go: "tp, err := telemetry.InitTracer(ctx,
// serviceName, otelEndpoint); defer tp.Shutdown(ctx)") — reimplemented here
// directly against the OTLP/HTTP exporter since the referenced teacher
// package only ships a metrics-provider helper, not the tracer one its own
// callers invoke.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// InitTracer configures the global TracerProvider to export spans via
// OTLP/HTTP to endpoint. The caller must defer the returned provider's
// Shutdown to flush pending spans.
func InitTracer(ctx context.Context, serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("tracing: new exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("tracing: new resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
