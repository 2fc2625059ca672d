package transport

// Capabilities describes the features a transport backend offers natively.
// Operations outside this set are still accepted by every backend but may be
// emulated (transactions buffered in memory) or ignored (delay, priority).
type Capabilities struct {
	// Name is the backend name as registered.
	Name string

	// SupportsBroadcast indicates fan-out delivery to every broadcast subscriber.
	SupportsBroadcast bool

	// SupportsTemporary indicates ephemeral channels are cleaned up by the broker.
	SupportsTemporary bool

	// SupportsTransactions indicates the broker groups sends and acks atomically.
	// When false, the backend buffers transactional work until commit.
	SupportsTransactions bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsDelay indicates the transport can natively delay message delivery.
	SupportsDelay bool

	// SupportsRetroactive indicates late broadcast subscribers can receive the last message.
	SupportsRetroactive bool

	// SupportsOrdering indicates messages on one channel are delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsPriority indicates the transport honours the priority option.
	SupportsPriority bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDelayEmulation returns true if delayed delivery must be handled by
// the application.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresTransactionEmulation returns true if the backend has to buffer
// transactional sends and acks itself.
func (c Capabilities) RequiresTransactionEmulation() bool {
	return !c.SupportsTransactions
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities. Middlewares built on middleware.Base forward the call to the
// wrapped transport.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// CapabilitiesOf returns the capabilities reported by t, or a zero value when
// t does not report any.
func CapabilitiesOf(t Transport) Capabilities {
	if p, ok := t.(CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	return Capabilities{}
}

// Predefined capability sets for the bundled backends.
var (
	// QueueCapabilities for the queue-backed transport. Everything is
	// forwarded to the process on the other end of the queue.
	QueueCapabilities = Capabilities{
		Name:                 "queue",
		SupportsBroadcast:    true,
		SupportsTemporary:    true,
		SupportsTransactions: true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsDelay:        true,
		SupportsRetroactive:  true,
		SupportsOrdering:     true,
		SupportsPriority:     true,
	}

	// ChannelCapabilities for the in-memory Go channel backend.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsBroadcast: true,
		SupportsTemporary: true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsOrdering:  true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		SupportsBroadcast: true,
		SupportsAck:       true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsBroadcast: true,
		SupportsTemporary: true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsDelay:     true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsPriority:  true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsBroadcast: true,
		SupportsTemporary: true,
		SupportsTracing:   true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsBroadcast: true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsDelay:     true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		MaxMessageSize:    262144, // 256KB
	}

	// JetStreamCapabilities for the NATS JetStream backend. Consumers are
	// durable per topic, so broadcast subscribers compete instead of fanning out.
	JetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// HTTPCapabilities for the HTTP webhook backend.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	// IOCapabilities for the append-only file backend.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)
