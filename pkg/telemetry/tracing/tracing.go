package tracing

import (
	"context"
	"sync"
	"time"

	"voicecall-engine/pkg/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracerMu   sync.RWMutex
	tracer     = otel.Tracer("voicecall-engine")
	callScopes sync.Map // call sid -> *CallScope
)

// CallScope owns the root span of one phone call
type CallScope struct {
	callSID string
	ctx     context.Context
	span    trace.Span
	endOnce sync.Once
}

// Context returns the context carrying the call span
func (c *CallScope) Context() context.Context {
	if c == nil {
		return context.Background()
	}
	return c.ctx
}

// SetAttributes attaches attributes to the call span
func (c *CallScope) SetAttributes(attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.span.SetAttributes(attrs...)
}

// End completes the call span and forgets the scope
func (c *CallScope) End(reason string, err error) {
	if c == nil {
		return
	}
	c.endOnce.Do(func() {
		c.span.SetAttributes(attribute.String("call.end_reason", reason))
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, err.Error())
		} else {
			c.span.SetStatus(codes.Ok, reason)
		}
		c.span.End()
		callScopes.Delete(c.callSID)
	})
}

// Init installs the global tracer provider. Without an endpoint spans are
// sampled but never exported.
func Init(ctx context.Context, cfg config.TracingConfig, logger *logrus.Logger) (func(context.Context) error, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "voicecall-engine"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}
	if res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName))); err != nil {
		logger.WithError(err).Warn("Failed to build OpenTelemetry resource")
	} else {
		opts = append(opts, sdktrace.WithResource(res))
	}

	var processor sdktrace.SpanProcessor
	if cfg.Enabled && cfg.Endpoint != "" {
		exporterCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(exporterCtx, clientOpts...)
		if err != nil {
			logger.WithError(err).Warn("Failed to initialize OTLP exporter, spans stay local")
		} else {
			processor = sdktrace.NewBatchSpanProcessor(exporter)
			opts = append(opts, sdktrace.WithSpanProcessor(processor))
			logger.WithField("endpoint", cfg.Endpoint).Info("Exporting traces over OTLP")
		}
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracerMu.Lock()
	tracer = provider.Tracer("voicecall-engine")
	tracerMu.Unlock()

	return func(shutdownCtx context.Context) error {
		if processor != nil {
			if err := processor.ForceFlush(shutdownCtx); err != nil {
				logger.WithError(err).Warn("Failed to flush spans during shutdown")
			}
		}
		return provider.Shutdown(shutdownCtx)
	}, nil
}

func currentTracer() trace.Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	return tracer
}

// StartCallScope opens the root span for a call and registers it by call sid
func StartCallScope(parent context.Context, callSID string, attrs ...attribute.KeyValue) *CallScope {
	if parent == nil {
		parent = context.Background()
	}
	all := append([]attribute.KeyValue{attribute.String("call.sid", callSID)}, attrs...)
	ctx, span := currentTracer().Start(parent, "call", trace.WithAttributes(all...), trace.WithSpanKind(trace.SpanKindServer))

	scope := &CallScope{callSID: callSID, ctx: ctx, span: span}
	callScopes.Store(callSID, scope)
	return scope
}

// StartSpan creates a child span beneath ctx
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return currentTracer().Start(ctx, name, opts...)
}

// ContextForCall returns the call's tracing context, or background
func ContextForCall(callSID string) context.Context {
	if value, ok := callScopes.Load(callSID); ok {
		return value.(*CallScope).Context()
	}
	return context.Background()
}

// EndSpan records err (if any) and ends the span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
