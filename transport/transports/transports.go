// Package transports wires every built-in pub/sub backend into a registry.
package transports

import (
	"github.com/drblury/workflows/transport/aws"
	"github.com/drblury/workflows/transport/channel"
	"github.com/drblury/workflows/transport/http"
	"github.com/drblury/workflows/transport/io"
	"github.com/drblury/workflows/transport/jetstream"
	"github.com/drblury/workflows/transport/kafka"
	"github.com/drblury/workflows/transport/nats"
	"github.com/drblury/workflows/transport/pubsub"
	"github.com/drblury/workflows/transport/rabbitmq"
)

// Register adds all built-in backends to reg.
func Register(reg *pubsub.Registry) {
	aws.Register(reg)
	channel.Register(reg)
	http.Register(reg)
	io.Register(reg)
	jetstream.Register(reg)
	kafka.Register(reg)
	nats.Register(reg)
	rabbitmq.Register(reg)
}

// NewRegistry returns a registry holding all built-in backends.
func NewRegistry() *pubsub.Registry {
	reg := pubsub.NewRegistry()
	Register(reg)
	return reg
}
