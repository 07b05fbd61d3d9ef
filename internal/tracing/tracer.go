package tracing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/conduit/internal/config"
)

// DefaultServiceName is reported when the configuration names no service.
const DefaultServiceName = "conduit-node"

const tracerName = "conduit/gateway"

// TracerProvider manages the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	config   *config.TracingConfig
}

// NewTracerProvider creates and configures a new tracer provider.
// With tracing disabled the global no-op provider stays in place.
func NewTracerProvider(cfg *config.TracingConfig, version string, opts ...sdktrace.TracerProviderOption) (*TracerProvider, error) {
	if cfg == nil || !cfg.Enabled {
		return &TracerProvider{config: cfg}, nil
	}

	serviceName := cfg.Jaeger.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Jaeger.Endpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.Jaeger.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}

		sampler := sdktrace.AlwaysSample()
		if cfg.Jaeger.SampleRate > 0 && cfg.Jaeger.SampleRate < 1.0 {
			sampler = sdktrace.TraceIDRatioBased(cfg.Jaeger.SampleRate)
		}
		providerOpts = append(providerOpts,
			sdktrace.WithBatcher(exporter,
				sdktrace.WithBatchTimeout(5*time.Second),
				sdktrace.WithMaxExportBatchSize(512),
			),
			sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
		)
	}
	providerOpts = append(providerOpts, opts...)

	provider := sdktrace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{
		provider: provider,
		config:   cfg,
	}, nil
}

// Shutdown flushes pending spans and shuts the provider down.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	if err := tp.provider.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush tracer: %w", err)
	}
	if err := tp.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer: %w", err)
	}
	return nil
}

// IsEnabled returns whether tracing is enabled
func (tp *TracerProvider) IsEnabled() bool {
	return tp != nil && tp.config != nil && tp.config.Enabled
}

// StartServerSpan continues the trace carried by r, if any, and starts the
// span of one gateway request.
func StartServerSpan(r *http.Request, api string) (context.Context, trace.Span) {
	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return otel.Tracer(tracerName).Start(ctx, "gateway "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPTargetKey.String(r.URL.RequestURI()),
			attribute.String("conduit.api", api),
		),
	)
}

// TraceID returns the trace id of the span active in ctx, or "".
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
