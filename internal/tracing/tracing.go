package tracing

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultEndpoint is the OTLP gRPC collector address used when none is set.
const DefaultEndpoint = "localhost:4317"

// Route identifies the topic and bus this process bridges. It is attached to
// the trace resource so every span can be filtered by route.
type Route struct {
	Cache    string
	Topic    string
	EventBus string
}

// Config holds tracing configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root traces kept. Values outside (0, 1]
	// keep everything.
	SampleRatio float64
	Route       Route
}

// Initialize sets up OpenTelemetry tracing with an OTLP gRPC exporter.
// When disabled, returns a no-op tracer and a no-op shutdown.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp, err := NewProvider(cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"sample_ratio", sampleRatio(cfg.SampleRatio),
	)

	shutdown := func(ctx context.Context) error {
		logger.Info("flushing spans")
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(cfg.ServiceName), shutdown, nil
}

// NewProvider builds a tracer provider carrying the service and route
// resource and the configured sampler. Span processors or exporters are
// supplied through opts.
func NewProvider(cfg Config, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...), nil
}

func newResource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Route.Cache != "" {
		attrs = append(attrs, CacheAttr(cfg.Route.Cache))
	}
	if cfg.Route.Topic != "" {
		attrs = append(attrs, TopicAttr(cfg.Route.Topic))
	}
	if cfg.Route.EventBus != "" {
		attrs = append(attrs, EventBusAttr(cfg.Route.EventBus))
	}

	// Schemaless so the merge never conflicts with the SDK default's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func sampleRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}
