// Package telemetry sets up OpenTelemetry tracing for the worker, gated on
// the OTEL_SERVICE_NAME environment variable, and propagates W3C trace
// context carried on job messages.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "github.com/jmylchreest/predictqueue"

// Provider owns the tracer provider lifecycle. When OTEL_SERVICE_NAME is
// unset, Tracer() still returns a usable no-op tracer from the global OTEL
// SDK default, and Shutdown is a no-op.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// New constructs a Provider. If OTEL_SERVICE_NAME is not set, tracing is
// disabled and spans are discarded by the SDK's default no-op provider.
func New(ctx context.Context) (*Provider, error) {
	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		return &Provider{tracer: otel.Tracer(tracerName)}, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP gRPC exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{tp: tp, tracer: otel.Tracer(tracerName)}, nil
}

// Tracer returns the tracer used to start spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the exporter, if one was configured.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// ExtractTraceParent builds a context carrying the remote span context
// described by a W3C traceparent string, suitable for starting a child span.
func ExtractTraceParent(ctx context.Context, traceparent string) context.Context {
	if traceparent == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{"traceparent": traceparent}
	return propagation.TraceContext{}.Extract(ctx, carrier)
}
