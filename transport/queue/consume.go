package queue

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/workflows/internal/logging"
)

// Handler processes one envelope. Replayer.Handle and Transport.Dispatch
// are both handlers.
type Handler func(env Envelope) error

// Drain feeds envelopes to handler until ctx is done or envelopes is closed.
// Handler failures are logged and do not stop the loop.
func Drain(ctx context.Context, envelopes <-chan Envelope, handler Handler, logger logging.ServiceLogger) {
	logger = logging.OrNop(logger)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if err := handler(env); err != nil {
				logger.Error("envelope handling failed", err, logging.LogFields{"envelope": env.String()})
			}
		}
	}
}

// Consume subscribes to topic and processes its envelopes until ctx is
// done. Envelopes published before the subscription exists may be lost on
// non-persistent brokers; subscribe first and call Process when the first
// Put can race the consumer.
func Consume(ctx context.Context, subscriber message.Subscriber, topic string, handler Handler, logger logging.ServiceLogger) error {
	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	Process(ctx, messages, handler, logging.OrNop(logger).With(logging.LogFields{"topic": topic}))
	return nil
}

// Process feeds every decoded envelope from messages to handler, one at a
// time, until ctx is done or messages is closed. Replaying is only correct
// when the carrier delivers envelopes in publish order.
//
// Every message is acked: a failing envelope is logged rather than
// redelivered, since replaying an operation is not idempotent.
func Process(ctx context.Context, messages <-chan *message.Message, handler Handler, logger logging.ServiceLogger) {
	logger = logging.OrNop(logger)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			env, err := UnmarshalEnvelope(msg.Payload)
			if err != nil {
				logger.Error("dropping undecodable envelope", err, logging.LogFields{"message_uuid": msg.UUID})
				msg.Ack()
				continue
			}
			if err := handler(env); err != nil {
				logger.Error("envelope handling failed", err, logging.LogFields{
					"message_uuid": msg.UUID,
					"envelope":     env.String(),
				})
			}
			msg.Ack()
		}
	}
}
