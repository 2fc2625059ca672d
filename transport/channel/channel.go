// Package channel provides the in-memory Go channel backend. It is useful
// for tests and single-process deployments.
//
// Messages of one topic are delivered in publish order: the broker hands a
// message over only after the previous one was acked, while Send itself
// returns immediately. A callback must therefore not subscribe on the same
// broker that is delivering to it, since subscribing waits for the
// in-flight message to be acked.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/workflows/transport"
	"github.com/drblury/workflows/transport/pubsub"
)

// TransportName is the name used to register this backend.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

// Register adds the channel backend to reg.
func Register(reg *pubsub.Registry) {
	reg.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a fresh in-memory broker. Every Connect gets its own broker,
// so two transports only see each other when they share one via Shared.
func Build(ctx context.Context, cfg pubsub.Config, logger watermill.LoggerAdapter) (pubsub.Pair, error) {
	return NewBroker(logger), nil
}

// Shared returns a builder handing out the same broker on every call, for
// wiring several transports in one process together. Closing any transport
// closes the broker for all of them.
func Shared(logger watermill.LoggerAdapter) pubsub.Builder {
	pair := NewBroker(logger)
	return func(context.Context, pubsub.Config, watermill.LoggerAdapter) (pubsub.Pair, error) {
		return pair, nil
	}
}

// BrokerConfig is the gochannel configuration of the backend. Publishing
// blocks until subscribers ack, which keeps per-topic order; the ordered
// publisher in front of it keeps Send from blocking.
func BrokerConfig() gochannel.Config {
	return gochannel.Config{BlockPublishUntilSubscriberAck: true}
}

// NewBroker returns a fresh in-memory broker that keeps per-topic order. It
// can also carry queue envelopes between a queue transport and a replayer.
func NewBroker(logger watermill.LoggerAdapter) pubsub.Pair {
	pub, sub := Factory(BrokerConfig(), logger)
	return pubsub.Pair{Publisher: pubsub.NewOrderedPublisher(pub, logger), Subscriber: sub}
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
