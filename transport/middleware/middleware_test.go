package middleware

import (
	"context"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workflows/transport"
)

type tagged struct {
	Base
	tag   string
	trail *[]string
}

func (t *tagged) Send(destination string, message any, opts ...transport.SendOption) error {
	*t.trail = append(*t.trail, t.tag+":send")
	return t.Next.Send(destination, message, opts...)
}

func (t *tagged) Subscribe(channel string, cb transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return t.Next.Subscribe(channel, wrapCallback(cb, func(h transport.Header, m any) error {
		*t.trail = append(*t.trail, t.tag+":deliver")
		return cb.Deliver(h, m)
	}), opts...)
}

func tag(name string, trail *[]string) Middleware {
	return Func(func(next transport.Transport) transport.Transport {
		return &tagged{Base: Base{Next: next}, tag: name, trail: trail}
	})
}

func TestChainOrdering(t *testing.T) {
	backend := newRecorder()
	var trail []string

	chained, err := Chain(backend, tag("A", &trail), tag("B", &trail))
	require.NoError(t, err)

	require.NoError(t, chained.Send("dest", "m"))
	assert.Equal(t, []string{"A:send", "B:send"}, trail)

	trail = nil
	id, err := chained.Subscribe("chan", transport.CallbackFunc(func(transport.Header, any) error {
		trail = append(trail, "callback")
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, backend.deliver(id, transport.Header{}, "m"))
	assert.Equal(t, []string{"B:deliver", "A:deliver", "callback"}, trail)
}

func TestChainWithoutMiddlewaresReturnsBackend(t *testing.T) {
	backend := newRecorder()
	chained, err := Chain(backend)
	require.NoError(t, err)
	assert.Same(t, backend, chained)
}

func TestChainRejectsNilLinks(t *testing.T) {
	var cfgErr *transport.ConfigurationError

	_, err := Chain(nil, NewConverting())
	assert.ErrorAs(t, err, &cfgErr)

	var nilRecorder *recorder
	_, err = Chain(nilRecorder)
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Chain(newRecorder(), NewConverting(), nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Reason, "position 1")

	var nilFunc Func
	_, err = Chain(newRecorder(), nilFunc)
	assert.ErrorAs(t, err, &cfgErr)

	_, err = Chain(newRecorder(), Func(func(transport.Transport) transport.Transport { return nil }))
	assert.ErrorAs(t, err, &cfgErr)
}

func TestComposeMatchesChain(t *testing.T) {
	backend := newRecorder()
	var trail []string

	composed := Compose(tag("A", &trail), nil, tag("B", &trail)).Wrap(backend)
	require.NoError(t, composed.Send("d", 1))
	assert.Equal(t, []string{"A:send", "B:send"}, trail)
}

func TestBasePassesEverythingThrough(t *testing.T) {
	backend := newRecorder()
	base := Base{Next: backend}

	assert.True(t, base.Connect(context.Background()))
	assert.True(t, base.IsConnected())
	require.NoError(t, base.Send("q", 1))
	require.NoError(t, base.Broadcast("b", 2))
	id, err := base.Subscribe("q", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	_, err = base.SubscribeBroadcast("b", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	sub, err := base.SubscribeTemporary("reply", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	assert.Equal(t, "transient.reply", sub.Channel)
	require.NoError(t, base.Unsubscribe(id))
	tid, err := base.TransactionBegin()
	require.NoError(t, err)
	require.NoError(t, base.TransactionCommit(tid))
	require.NoError(t, base.TransactionAbort(tid))
	require.NoError(t, base.Ack("m1", tid))
	require.NoError(t, base.Nack("m2", ""))
	require.NoError(t, base.Disconnect())

	assert.Equal(t, []string{
		"connect", "send", "broadcast", "subscribe", "subscribe_broadcast", "subscribe_temporary",
		"unsubscribe", "transaction_begin", "transaction_commit", "transaction_abort", "ack", "nack", "disconnect",
	}, backend.ops())
	assert.Equal(t, transport.ChannelCapabilities, base.Capabilities())
	assert.Same(t, backend, base.Unwrap())
}

func TestWrappedCallbackKeepsIdentity(t *testing.T) {
	type payload struct{ A int }
	original := transport.Handle(func(transport.Header, payload) error { return nil })
	wrapped := wrapCallback(original, original.Deliver)

	typ, err := transport.MessageType(wrapped)
	require.NoError(t, err)
	assert.Equal(t, reflect.TypeOf(payload{}), typ)
	assert.Equal(t, transport.CallbackName(original), transport.CallbackName(wrapped))

	assert.Nil(t, wrapCallback(nil, nil))
}
