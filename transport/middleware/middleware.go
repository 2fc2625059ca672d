// Package middleware provides the interceptor chain placed in front of a
// transport backend, together with the bundled interceptors.
//
// A middleware wraps the next link of the chain and itself satisfies
// transport.Transport. Concrete middlewares embed Base, which forwards every
// operation unchanged, and override only the operations they intercept.
package middleware

import (
	"context"
	"fmt"
	"reflect"

	"github.com/drblury/workflows/transport"
)

// Middleware wraps the next link of a transport chain.
type Middleware interface {
	Wrap(next transport.Transport) transport.Transport
}

// Func is an adapter to allow the use of ordinary functions as middleware.
type Func func(next transport.Transport) transport.Transport

// Wrap implements Middleware.
func (f Func) Wrap(next transport.Transport) transport.Transport {
	return f(next)
}

// Chain wraps backend in mws. The first middleware is the outermost link, so
// Chain(b, A, B) behaves like A(B(b)): operations enter A first and
// deliveries reach A last.
func Chain(backend transport.Transport, mws ...Middleware) (transport.Transport, error) {
	if backend == nil || isNil(backend) {
		return nil, &transport.ConfigurationError{Component: "middleware chain", Reason: "backend is required"}
	}
	for i, mw := range mws {
		if mw == nil || isNil(mw) {
			return nil, &transport.ConfigurationError{
				Component: "middleware chain",
				Reason:    fmt.Sprintf("middleware at position %d is nil", i),
			}
		}
	}

	chained := backend
	for i := len(mws) - 1; i >= 0; i-- {
		chained = mws[i].Wrap(chained)
		if chained == nil {
			return nil, &transport.ConfigurationError{
				Component: "middleware chain",
				Reason:    fmt.Sprintf("middleware at position %d returned a nil transport", i),
			}
		}
	}
	return chained, nil
}

// Compose returns a single middleware applying mws in Chain order.
func Compose(mws ...Middleware) Middleware {
	return Func(func(next transport.Transport) transport.Transport {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i].Wrap(next)
			}
		}
		return next
	})
}

func isNil(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Ptr, reflect.Map, reflect.Interface, reflect.Slice:
		return rv.IsNil()
	}
	return false
}

// Base forwards every operation to Next.
type Base struct {
	Next transport.Transport
}

// Unwrap returns the next link of the chain.
func (b Base) Unwrap() transport.Transport { return b.Next }

// Capabilities reports the capabilities of the wrapped backend.
func (b Base) Capabilities() transport.Capabilities { return transport.CapabilitiesOf(b.Next) }

func (b Base) Connect(ctx context.Context) bool { return b.Next.Connect(ctx) }

func (b Base) Disconnect() error { return b.Next.Disconnect() }

func (b Base) IsConnected() bool { return b.Next.IsConnected() }

func (b Base) Send(destination string, message any, opts ...transport.SendOption) error {
	return b.Next.Send(destination, message, opts...)
}

func (b Base) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	return b.Next.Broadcast(destination, message, opts...)
}

func (b Base) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return b.Next.Subscribe(channel, callback, opts...)
}

func (b Base) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return b.Next.SubscribeBroadcast(channel, callback, opts...)
}

func (b Base) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	return b.Next.SubscribeTemporary(channelHint, callback, opts...)
}

func (b Base) Unsubscribe(id int) error { return b.Next.Unsubscribe(id) }

func (b Base) TransactionBegin() (transport.TransactionID, error) { return b.Next.TransactionBegin() }

func (b Base) TransactionAbort(id transport.TransactionID) error { return b.Next.TransactionAbort(id) }

func (b Base) TransactionCommit(id transport.TransactionID) error { return b.Next.TransactionCommit(id) }

func (b Base) Ack(messageID string, txn transport.TransactionID) error {
	return b.Next.Ack(messageID, txn)
}

func (b Base) Nack(messageID string, txn transport.TransactionID) error {
	return b.Next.Nack(messageID, txn)
}

// wrappedCallback intercepts deliveries while keeping the identity of the
// original callback: its name and its declared message type. Middlewares
// outside the converting middleware therefore see domain-form messages.
type wrappedCallback struct {
	inner   transport.Callback
	deliver func(header transport.Header, message any) error
}

func wrapCallback(inner transport.Callback, deliver func(transport.Header, any) error) transport.Callback {
	if inner == nil {
		return nil
	}
	return &wrappedCallback{inner: inner, deliver: deliver}
}

func (w *wrappedCallback) Deliver(header transport.Header, message any) error {
	return w.deliver(header, message)
}

func (w *wrappedCallback) MessageType() (reflect.Type, error) {
	return transport.MessageType(w.inner)
}

func (w *wrappedCallback) Name() string {
	return transport.CallbackName(w.inner)
}
