// Package pubsub adapts Watermill publisher/subscriber pairs to the
// transport.Transport contract. Backend packages (channel, kafka, rabbitmq,
// nats, http, io, aws) contribute a Builder; the Registry maps backend names
// to builders and capabilities.
package pubsub

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Pair combines a publisher and subscriber produced by a Builder.
type Pair struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides, once each even if they are the same value.
func (p Pair) Close() error {
	var errs []error
	if p.Publisher != nil {
		if err := p.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Subscriber != nil && any(p.Subscriber) != any(p.Publisher) {
		if err := p.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Builder creates the publisher/subscriber pair of a backend from config.
// It runs on every Connect.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Pair, error)

// Config provides the values backends read. It lets backend packages avoid a
// dependency on the concrete configuration type.
type Config interface {
	// GetBackend returns the backend name to build.
	GetBackend() string

	// Topic naming.
	GetQueuePrefix() string
	GetBroadcastPrefix() string
	GetTemporaryPrefix() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSClientName() string
	GetNATSMaxReconnects() int
	GetNATSStream() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
