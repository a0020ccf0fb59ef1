// Package tracing sets up minimal OTLP tracing for the research service.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer oteltrace.Tracer

// Config holds tracing configuration.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// Initialize sets up OTLP tracing. The tracer handle is always assigned, so
// the Start helpers are safe to call with tracing disabled.
func Initialize(cfg Config, logger *zap.Logger) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "deepresearch"
	}
	tracer = otel.Tracer(cfg.ServiceName)

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(cfg.ServiceName)

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return nil
}

// StartSession opens the root span of one research session.
func StartSession(ctx context.Context, runID, mode string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("deepresearch")
	}
	return tracer.Start(ctx, "research.session",
		oteltrace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("research.mode", mode),
		))
}

// StartPhase opens a span for one loop phase (plan, iterate, synthesize).
func StartPhase(ctx context.Context, phase string, iteration int) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("deepresearch")
	}
	return tracer.Start(ctx, "research."+phase,
		oteltrace.WithAttributes(attribute.Int("research.iteration", iteration)))
}

// StartToolCall opens a span for one tool invocation.
func StartToolCall(ctx context.Context, toolName string) (context.Context, oteltrace.Span) {
	if tracer == nil {
		tracer = otel.Tracer("deepresearch")
	}
	return tracer.Start(ctx, "tool."+toolName,
		oteltrace.WithAttributes(attribute.String("tool.name", toolName)))
}
