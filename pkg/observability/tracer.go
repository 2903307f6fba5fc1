package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ensemble-ai/ensemble/pkg/config"
)

// Span names used across the request pipeline.
const (
	SpanInference        = "ensemble.provider.inference"
	SpanCommandDispatch  = "ensemble.command.dispatch"
	SpanChainRun         = "ensemble.chain.run"
	SpanChainStep        = "ensemble.chain.step"
	SpanAgentRequest     = "ensemble.agent.request"
	SpanMemoryRetrieval  = "ensemble.memory.retrieval"
	SpanPromptAssembly   = "ensemble.prompt.assembly"
	AttrProviderName     = "provider.name"
	AttrProviderModel    = "provider.model"
	AttrAgentName        = "agent.name"
	AttrCommandName      = "command.name"
	AttrChainName        = "chain.name"
	AttrChainStep        = "chain.step"
	AttrConversationName = "conversation.name"
)

func initTracer(ctx context.Context, cfg config.ObservabilityConfig) (trace.TracerProvider, error) {
	if !cfg.TracesEnabled {
		return noop.NewTracerProvider(), nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.TraceExporter {
	case "otlp":
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
	default:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
