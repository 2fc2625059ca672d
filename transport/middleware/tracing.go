package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/workflows/transport"
)

const tracerName = "github.com/drblury/workflows/transport"

// Tracing opens an OpenTelemetry span around every outbound operation and
// every delivery.
type Tracing struct {
	provider trace.TracerProvider
}

// TracingOption customises the tracing middleware.
type TracingOption func(*Tracing)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) TracingOption {
	return func(t *Tracing) {
		if tp != nil {
			t.provider = tp
		}
	}
}

// NewTracing returns a tracing middleware using the global provider unless
// overridden.
func NewTracing(opts ...TracingOption) *Tracing {
	t := &Tracing{provider: otel.GetTracerProvider()}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

func (t *Tracing) Wrap(next transport.Transport) transport.Transport {
	return &tracingTransport{Base: Base{Next: next}, tracer: t.provider.Tracer(tracerName)}
}

type tracingTransport struct {
	Base
	tracer trace.Tracer
}

func (t *tracingTransport) span(ctx context.Context, name string, attrs ...attribute.KeyValue) trace.Span {
	_, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return span
}

func end(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	return err
}

func (t *tracingTransport) Connect(ctx context.Context) bool {
	span := t.span(ctx, "transport.connect")
	ok := t.Next.Connect(ctx)
	var err error
	if !ok {
		err = transport.NotConnected("connect")
	}
	_ = end(span, err)
	return ok
}

func (t *tracingTransport) Send(destination string, message any, opts ...transport.SendOption) error {
	span := t.span(context.Background(), "transport.send",
		attribute.String("messaging.destination.name", destination),
		attribute.String("messaging.operation", "send"),
	)
	return end(span, t.Next.Send(destination, message, opts...))
}

func (t *tracingTransport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	span := t.span(context.Background(), "transport.broadcast",
		attribute.String("messaging.destination.name", destination),
		attribute.String("messaging.operation", "broadcast"),
	)
	return end(span, t.Next.Broadcast(destination, message, opts...))
}

func (t *tracingTransport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	span := t.span(context.Background(), "transport.subscribe", attribute.String("messaging.destination.name", channel))
	id, err := t.Next.Subscribe(channel, t.deliveries(channel, callback), opts...)
	span.SetAttributes(attribute.Int("transport.subscription.id", id))
	return id, end(span, err)
}

func (t *tracingTransport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	span := t.span(context.Background(), "transport.subscribe_broadcast", attribute.String("messaging.destination.name", channel))
	id, err := t.Next.SubscribeBroadcast(channel, t.deliveries(channel, callback), opts...)
	span.SetAttributes(attribute.Int("transport.subscription.id", id))
	return id, end(span, err)
}

func (t *tracingTransport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	span := t.span(context.Background(), "transport.subscribe_temporary", attribute.String("transport.channel_hint", channelHint))
	sub, err := t.Next.SubscribeTemporary(channelHint, t.deliveries(channelHint, callback), opts...)
	span.SetAttributes(
		attribute.Int("transport.subscription.id", sub.ID),
		attribute.String("messaging.destination.name", sub.Channel),
	)
	return sub, end(span, err)
}

func (t *tracingTransport) TransactionCommit(id transport.TransactionID) error {
	span := t.span(context.Background(), "transport.transaction_commit", attribute.String("transport.transaction.id", string(id)))
	return end(span, t.Next.TransactionCommit(id))
}

func (t *tracingTransport) TransactionAbort(id transport.TransactionID) error {
	span := t.span(context.Background(), "transport.transaction_abort", attribute.String("transport.transaction.id", string(id)))
	return end(span, t.Next.TransactionAbort(id))
}

func (t *tracingTransport) deliveries(channel string, callback transport.Callback) transport.Callback {
	return wrapCallback(callback, func(header transport.Header, message any) error {
		span := t.span(context.Background(), "transport.deliver",
			attribute.String("messaging.destination.name", channel),
			attribute.String("messaging.message.id", header.String(transport.HeaderMessageID)),
		)
		return end(span, callback.Deliver(header, message))
	})
}
