package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName identifies this gateway's tracer.
const TracerName = "modelrouter"

// TracingConfig contains configuration for OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool
	Endpoint       string  // OTLP gRPC endpoint, e.g. "localhost:4317"
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // 0.0 to 1.0
	Insecure       bool    // no TLS to the collector
}

// TracerProvider wraps the OpenTelemetry tracer provider. Disabled
// tracing yields a provider whose tracer is a no-op, so call sites never
// branch.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// InitTracing initializes OpenTelemetry tracing and installs the provider
// globally so instrumented libraries pick it up.
func InitTracing(ctx context.Context, cfg TracingConfig) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	sdk := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{provider: sdk, tracer: sdk.Tracer(TracerName)}, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Tracer returns the tracer instance.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Shutdown flushes and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider != nil {
		return tp.provider.Shutdown(ctx)
	}
	return nil
}

// RequestSpanAttributes describes one routed request for its span.
type RequestSpanAttributes struct {
	RequestID   string
	Provider    string // pinned provider, empty when routing freely
	Stream      bool
	MaxTokens   int
	Temperature float64
}

// StartRequestSpan opens a span for one routed request.
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, operation string, attrs RequestSpanAttributes) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, operation,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("gen_ai.request.id", attrs.RequestID),
			attribute.Bool("gen_ai.request.stream", attrs.Stream),
		),
	)
	if attrs.Provider != "" {
		span.SetAttributes(attribute.String("gen_ai.request.pinned_provider", attrs.Provider))
	}
	if attrs.MaxTokens > 0 {
		span.SetAttributes(attribute.Int("gen_ai.request.max_tokens", attrs.MaxTokens))
	}
	if attrs.Temperature > 0 {
		span.SetAttributes(attribute.Float64("gen_ai.request.temperature", attrs.Temperature))
	}
	return ctx, span
}

// StartAttemptSpan opens a child span for one provider attempt within a
// routed request. operation is "generate" or "stream".
func StartAttemptSpan(ctx context.Context, tracer trace.Tracer, providerName, operation string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "provider."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("gen_ai.system", providerName)),
	)
}

// RecordProvider marks the provider the request committed to.
func RecordProvider(span trace.Span, provider string) {
	span.SetAttributes(attribute.String("gen_ai.system", provider))
}

// RecordSpanError records a terminal failure on the span.
func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("error", true))
}
