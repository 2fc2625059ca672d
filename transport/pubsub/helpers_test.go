package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/drblury/workflows/internal/config"
	"github.com/drblury/workflows/transport"
)

const waitFor = 2 * time.Second

func memoryBuilder(pubSub *gochannel.GoChannel) Builder {
	return func(context.Context, Config, watermill.LoggerAdapter) (Pair, error) {
		return Pair{Publisher: pubSub, Subscriber: pubSub}, nil
	}
}

// orderedBuilder mirrors the channel backend: a gochannel that waits for
// acks behind an OrderedPublisher.
func orderedBuilder() Builder {
	pubSub := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NopLogger{})
	return func(context.Context, Config, watermill.LoggerAdapter) (Pair, error) {
		return Pair{Publisher: NewOrderedPublisher(pubSub, nil), Subscriber: pubSub}, nil
	}
}

func failingBuilder(context.Context, Config, watermill.LoggerAdapter) (Pair, error) {
	return Pair{}, errors.New("broker unreachable")
}

func newConnected(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr := New(orderedBuilder(), &config.Config{Backend: "memory"}, opts...)
	require.True(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect() })
	return tr
}

type delivery struct {
	header  transport.Header
	message any
}

// collect returns a callback forwarding deliveries to the returned channel.
func collect() (transport.Callback, <-chan delivery) {
	ch := make(chan delivery, 16)
	return transport.CallbackFunc(func(h transport.Header, m any) error {
		ch <- delivery{header: h, message: m}
		return nil
	}), ch
}

func receive(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(waitFor):
		t.Fatal("no delivery")
		return delivery{}
	}
}

func expectNothing(t *testing.T, ch <-chan delivery, wait time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery: %#v", d)
	case <-time.After(wait):
	}
}
