package pubsub

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workflows/internal/config"
	"github.com/drblury/workflows/transport"
)

func TestConnect(t *testing.T) {
	assert.False(t, New(nil, nil).Connect(context.Background()))

	tr := New(failingBuilder, nil)
	assert.False(t, tr.Connect(context.Background()))
	assert.False(t, tr.IsConnected())

	err := tr.Send("jobs", "x")
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	incomplete := New(func(context.Context, Config, watermill.LoggerAdapter) (Pair, error) {
		return Pair{}, nil
	}, nil)
	assert.False(t, incomplete.Connect(context.Background()))

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	ok := New(memoryBuilder(pubSub), nil)
	assert.True(t, ok.Connect(context.Background()))
	assert.True(t, ok.Connect(context.Background()), "connect is idempotent")
	assert.True(t, ok.IsConnected())
	require.NoError(t, ok.Disconnect())
	assert.False(t, ok.IsConnected())
}

func TestSendAndSubscribe(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	tr := newConnected(t, WithClock(func() time.Time { return now }))

	cb, ch := collect()
	id, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	require.NoError(t, tr.Send("jobs", map[string]any{"n": 1}, transport.WithHeaders(transport.Header{"k": "v", "attempt": 2})))

	d := receive(t, ch)
	assert.Equal(t, map[string]any{"n": int64(1)}, d.message)
	assert.Equal(t, "v", d.header["k"])
	assert.Equal(t, "2", d.header["attempt"])
	assert.Equal(t, "jobs", d.header[transport.HeaderDestination])
	assert.Equal(t, "1700000000000", d.header[transport.HeaderTimestamp])
	assert.Equal(t, id, d.header[transport.HeaderSubscription])
	assert.NotEmpty(t, d.header.String(transport.HeaderMessageID))
}

func TestTimestampHeaderIsPreserved(t *testing.T) {
	tr := newConnected(t)
	cb, ch := collect()
	_, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	require.NoError(t, tr.Send("jobs", nil, transport.WithHeaders(transport.Header{transport.HeaderTimestamp: int64(42)})))
	d := receive(t, ch)
	assert.Nil(t, d.message)
	ts, ok := d.header.Int64(transport.HeaderTimestamp)
	require.True(t, ok)
	assert.Equal(t, int64(42), ts)
}

func TestQueueAndBroadcastTopicsAreSeparate(t *testing.T) {
	tr := newConnected(t)

	queued, queueCh := collect()
	_, err := tr.Subscribe("news", queued)
	require.NoError(t, err)

	first, firstCh := collect()
	second, secondCh := collect()
	_, err = tr.SubscribeBroadcast("news", first)
	require.NoError(t, err)
	_, err = tr.SubscribeBroadcast("news", second)
	require.NoError(t, err)

	require.NoError(t, tr.Broadcast("news", "hello"))
	assert.Equal(t, "hello", receive(t, firstCh).message)
	assert.Equal(t, "hello", receive(t, secondCh).message)
	expectNothing(t, queueCh, 50*time.Millisecond)

	require.NoError(t, tr.Send("news", "queued"))
	assert.Equal(t, "queued", receive(t, queueCh).message)
	expectNothing(t, firstCh, 50*time.Millisecond)
}

func TestTemporarySubscriptionReceivesReplies(t *testing.T) {
	tr := newConnected(t)

	cb, ch := collect()
	sub, err := tr.SubscribeTemporary("reply", cb)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.Channel, DefaultTemporaryPrefix+"reply."), sub.Channel)

	require.NoError(t, tr.Send(sub.Channel, "pong"))
	assert.Equal(t, "pong", receive(t, ch).message)
}

func TestTopicPrefixesFromConfig(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, watermill.NopLogger{})
	cfg := &config.Config{QueuePrefix: "q/", BroadcastPrefix: "b/", TemporaryPrefix: "tmp/"}
	tr := New(memoryBuilder(pubSub), cfg)
	require.True(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()

	raw, err := pubSub.Subscribe(context.Background(), "q/jobs")
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "x"))

	select {
	case msg := <-raw:
		msg.Ack()
		assert.Equal(t, `"x"`, string(msg.Payload))
	case <-time.After(waitFor):
		t.Fatal("nothing published on prefixed topic")
	}

	sub, err := tr.SubscribeTemporary("", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.Channel, "tmp/"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tr := newConnected(t)

	cb, ch := collect()
	id, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)
	require.NoError(t, tr.Unsubscribe(id))
	require.NoError(t, tr.Unsubscribe(id))
	require.NoError(t, tr.Unsubscribe(999))

	require.NoError(t, tr.Send("jobs", "x"))
	expectNothing(t, ch, 50*time.Millisecond)
}

func TestSubscribeRejectsMalformedCallback(t *testing.T) {
	tr := newConnected(t)
	_, err := tr.Subscribe("jobs", transport.Func("not a function"))
	var cfgErr *transport.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestTransactionsBufferUntilCommit(t *testing.T) {
	tr := newConnected(t)
	cb, ch := collect()
	_, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	tid, err := tr.TransactionBegin()
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "a", transport.InTransaction(tid)))
	require.NoError(t, tr.Send("jobs", "b", transport.InTransaction(tid)))
	expectNothing(t, ch, 50*time.Millisecond)

	require.NoError(t, tr.TransactionCommit(tid))
	assert.Equal(t, "a", receive(t, ch).message)
	assert.Equal(t, "b", receive(t, ch).message)

	var txErr *transport.TransactionError
	assert.ErrorAs(t, tr.Send("jobs", "c", transport.InTransaction(tid)), &txErr)
	assert.ErrorAs(t, tr.TransactionCommit(tid), &txErr)
}

func TestTransactionAbortDiscardsSends(t *testing.T) {
	tr := newConnected(t)
	cb, ch := collect()
	_, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	tid, err := tr.TransactionBegin()
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "a", transport.InTransaction(tid)))
	require.NoError(t, tr.TransactionAbort(tid))
	expectNothing(t, ch, 50*time.Millisecond)

	var txErr *transport.TransactionError
	assert.ErrorAs(t, tr.TransactionAbort(tid), &txErr)
	assert.ErrorAs(t, tr.TransactionAbort("unknown"), &txErr)
}

func TestCallbackErrorIsRedelivered(t *testing.T) {
	tr := newConnected(t)

	var attempts atomic.Int32
	done := make(chan struct{})
	_, err := tr.Subscribe("jobs", transport.CallbackFunc(func(transport.Header, any) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "x"))

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("message was not redelivered")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPermanentErrorIsDropped(t *testing.T) {
	tr := newConnected(t)

	var attempts atomic.Int32
	_, err := tr.Subscribe("jobs", transport.CallbackFunc(func(transport.Header, any) error {
		attempts.Add(1)
		return &transport.ConversionError{Err: errors.New("bad payload")}
	}))
	require.NoError(t, err)
	cb, ch := collect()
	_, err = tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	require.NoError(t, tr.Send("jobs", "x"))
	receive(t, ch)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestExplicitAcknowledgement(t *testing.T) {
	tr := newConnected(t)

	ids := make(chan string, 4)
	_, err := tr.Subscribe("jobs", transport.CallbackFunc(func(h transport.Header, _ any) error {
		ids <- h.String(transport.HeaderMessageID)
		return nil
	}), transport.Acknowledgement())
	require.NoError(t, err)

	require.NoError(t, tr.Send("jobs", "first"))
	var first string
	select {
	case first = <-ids:
	case <-time.After(waitFor):
		t.Fatal("no delivery")
	}

	require.NoError(t, tr.Nack(first, ""))
	var redelivered string
	select {
	case redelivered = <-ids:
	case <-time.After(waitFor):
		t.Fatal("nacked message was not redelivered")
	}
	assert.Equal(t, first, redelivered)

	require.NoError(t, tr.Ack(redelivered, ""))
	assert.ErrorIs(t, tr.Ack(redelivered, ""), ErrUnknownMessage)
	assert.ErrorIs(t, tr.Nack("never-delivered", ""), ErrUnknownMessage)
}

func TestAckInsideCallback(t *testing.T) {
	tr := newConnected(t)

	result := make(chan error, 1)
	_, err := tr.Subscribe("jobs", transport.CallbackFunc(func(h transport.Header, _ any) error {
		result <- tr.Ack(h.String(transport.HeaderMessageID), "")
		return nil
	}), transport.Acknowledgement())
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "x"))

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("no delivery")
	}
}

func TestTransactionalAck(t *testing.T) {
	tr := newConnected(t)

	ids := make(chan string, 4)
	_, err := tr.Subscribe("jobs", transport.CallbackFunc(func(h transport.Header, _ any) error {
		ids <- h.String(transport.HeaderMessageID)
		return nil
	}), transport.Acknowledgement())
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "x"))

	var id string
	select {
	case id = <-ids:
	case <-time.After(waitFor):
		t.Fatal("no delivery")
	}

	aborted, err := tr.TransactionBegin()
	require.NoError(t, err)
	require.NoError(t, tr.Ack(id, aborted))
	require.NoError(t, tr.TransactionAbort(aborted))

	select {
	case again := <-ids:
		assert.Equal(t, id, again, "aborted ack nacks the message")
	case <-time.After(waitFor):
		t.Fatal("message was not redelivered after abort")
	}

	committed, err := tr.TransactionBegin()
	require.NoError(t, err)
	require.NoError(t, tr.Ack(id, committed))
	require.NoError(t, tr.TransactionCommit(committed))
	assert.ErrorIs(t, tr.Ack(id, ""), ErrUnknownMessage)
}

func TestDelayedSend(t *testing.T) {
	tr := newConnected(t)
	cb, ch := collect()
	_, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tr.Send("jobs", "later", transport.WithDelay(80*time.Millisecond)))
	expectNothing(t, ch, 20*time.Millisecond)
	assert.Equal(t, "later", receive(t, ch).message)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestDisconnectDropsDelayedSends(t *testing.T) {
	tr := newConnected(t)
	_, err := tr.Subscribe("jobs", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", "later", transport.WithDelay(time.Hour)))
	require.NoError(t, tr.Disconnect())
}

func TestMaxMessageSize(t *testing.T) {
	tr := newConnected(t, WithCapabilities(transport.Capabilities{Name: "tiny", MaxMessageSize: 8}))
	assert.Equal(t, "tiny", tr.Capabilities().Name)

	assert.NoError(t, tr.Send("jobs", "ok"))
	assert.ErrorIs(t, tr.Send("jobs", "far too long for the limit"), ErrMessageTooLarge)
}

func TestDisconnectInvalidatesSubscriptions(t *testing.T) {
	tr := newConnected(t)
	cb, _ := collect()
	_, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)

	require.NoError(t, tr.Disconnect())
	require.NoError(t, tr.Disconnect())
	assert.Zero(t, tr.subs.Len())

	var connErr *transport.ConnectionError
	assert.ErrorAs(t, tr.Send("jobs", "x"), &connErr)
	assert.ErrorAs(t, tr.Broadcast("jobs", "x"), &connErr)
	_, err = tr.Subscribe("jobs", cb)
	assert.ErrorAs(t, err, &connErr)
	_, err = tr.SubscribeTemporary("", cb)
	assert.ErrorAs(t, err, &connErr)
	assert.ErrorAs(t, tr.Unsubscribe(1), &connErr)
	_, err = tr.TransactionBegin()
	assert.ErrorAs(t, err, &connErr)
	assert.ErrorAs(t, tr.Ack("m", ""), &connErr)
}

func TestReconnectAfterDisconnect(t *testing.T) {
	builds := 0
	tr := New(func(context.Context, Config, watermill.LoggerAdapter) (Pair, error) {
		builds++
		pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 4}, watermill.NopLogger{})
		return Pair{Publisher: pubSub, Subscriber: pubSub}, nil
	}, nil)

	require.True(t, tr.Connect(context.Background()))
	first, err := tr.Subscribe("a", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, tr.Disconnect())

	require.True(t, tr.Connect(context.Background()))
	defer func() { _ = tr.Disconnect() }()
	cb, ch := collect()
	second, err := tr.Subscribe("a", cb)
	require.NoError(t, err)
	assert.Greater(t, second, first)
	assert.Equal(t, 2, builds)

	require.NoError(t, tr.Send("a", "x"))
	assert.Equal(t, "x", receive(t, ch).message)
}

func TestTypedCallbackWithoutConversionDropsMessage(t *testing.T) {
	// Typed callbacks need the converting middleware in front of the backend.
	tr := newConnected(t)

	type job struct {
		Name string `json:"name"`
	}
	got := make(chan job, 1)
	_, err := tr.Subscribe("jobs", transport.Handle(func(_ transport.Header, j job) error {
		got <- j
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, tr.Send("jobs", map[string]any{"name": "x"}))
	expectNothingTyped(t, got)
}

func expectNothingTyped[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected delivery: %#v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
