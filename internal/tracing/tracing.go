package tracing

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultServiceName = "consistency-engine"

// Config holds tracing configuration
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

var (
	mu     sync.RWMutex
	tracer oteltrace.Tracer = otel.Tracer(defaultServiceName)
)

// ShutdownFunc flushes and stops the exporter.
type ShutdownFunc func(context.Context) error

// Initialize installs an OTLP/gRPC exporter when enabled. With tracing
// disabled the package still hands out no-op spans.
func Initialize(cfg Config, logger *zap.Logger) (ShutdownFunc, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	setTracer(otel.Tracer(cfg.ServiceName))
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if !cfg.Enabled {
		logger.Info("Tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	setTracer(tp.Tracer(cfg.ServiceName))

	logger.Info("Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	return tp.Shutdown, nil
}

// UseProvider swaps the tracer source; tests install an in-memory recorder.
func UseProvider(tp oteltrace.TracerProvider) {
	setTracer(tp.Tracer(defaultServiceName))
}

func setTracer(t oteltrace.Tracer) {
	mu.Lock()
	tracer = t
	mu.Unlock()
}

func current() oteltrace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// StartSpan creates a new span with the given name
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return current().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// StartPhaseSpan opens a span for one analysis phase of a project.
func StartPhaseSpan(ctx context.Context, projectID, phase string) (context.Context, oteltrace.Span) {
	return StartSpan(ctx, "analysis."+phase,
		attribute.String("project.id", projectID),
		attribute.String("analysis.phase", phase),
	)
}

// StartHTTPSpan opens a client span for an outbound scoring call.
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, oteltrace.Span) {
	return current().Start(ctx, "HTTP "+method,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLFull(url),
		),
	)
}

// InjectTraceparent writes the W3C traceparent of ctx onto req.
func InjectTraceparent(ctx context.Context, req *http.Request) {
	propagation.TraceContext{}.Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// Traceparent returns the W3C header value for ctx, or "" without a valid span.
func Traceparent(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%02x", sc.TraceID(), sc.SpanID(), byte(sc.TraceFlags()))
}
