// Package tracing exports spans for relay message handling and peer
// negotiation to Jaeger.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "huddle"

var (
	ParticipantIDKey = attribute.Key("participant.id")
	PeerIDKey        = attribute.Key("peer.id")
	RoomIDKey        = attribute.Key("room.id")
	SessionIDKey     = attribute.Key("session.id")
	MessageTypeKey   = attribute.Key("signal.message_type")
	OperationKey     = attribute.Key("negotiation.operation")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "huddle",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Provider owns the exporter pipeline. The zero value is a no-op, which is
// what Init returns when tracing is disabled.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a global tracer provider that batches spans to Jaeger.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceSignalMessage covers one signaling message, on either end of the
// socket.
func TraceSignalMessage(ctx context.Context, messageType, participantID string) (context.Context, trace.Span) {
	return start(ctx, "signal."+messageType,
		MessageTypeKey.String(messageType),
		ParticipantIDKey.String(participantID),
	)
}

// TraceNegotiation covers one offer or answer of a peer session.
func TraceNegotiation(ctx context.Context, operation, peerID, sessionID string) (context.Context, trace.Span) {
	return start(ctx, "negotiation."+operation,
		OperationKey.String(operation),
		PeerIDKey.String(peerID),
		SessionIDKey.String(sessionID),
	)
}
