package middleware

import (
	"context"

	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// Logging logs every operation at debug level and every failure at error
// level. Delivery failures are logged before being returned to the backend.
type Logging struct {
	logger logging.ServiceLogger
}

// NewLogging returns a logging middleware. A nil logger discards output.
func NewLogging(logger logging.ServiceLogger) *Logging {
	return &Logging{logger: logging.OrNop(logger).With(logging.LogFields{"component": "transport"})}
}

func (l *Logging) Wrap(next transport.Transport) transport.Transport {
	return &loggingTransport{Base: Base{Next: next}, log: l.logger}
}

type loggingTransport struct {
	Base
	log logging.ServiceLogger
}

func (l *loggingTransport) result(op string, err error, fields logging.LogFields) error {
	if fields == nil {
		fields = logging.LogFields{}
	}
	fields["operation"] = op
	if err != nil {
		l.log.Error("transport operation failed", err, fields)
		return err
	}
	l.log.Debug("transport operation", fields)
	return nil
}

func (l *loggingTransport) Connect(ctx context.Context) bool {
	if !l.Next.Connect(ctx) {
		l.log.Error("transport connection failed", transport.NotConnected("connect"), nil)
		return false
	}
	l.log.Info("transport connected", nil)
	return true
}

func (l *loggingTransport) Disconnect() error {
	err := l.Next.Disconnect()
	if err == nil {
		l.log.Info("transport disconnected", nil)
	}
	return l.result("disconnect", err, nil)
}

func (l *loggingTransport) Send(destination string, message any, opts ...transport.SendOption) error {
	return l.result("send", l.Next.Send(destination, message, opts...), logging.LogFields{"destination": destination})
}

func (l *loggingTransport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	return l.result("broadcast", l.Next.Broadcast(destination, message, opts...), logging.LogFields{"destination": destination})
}

func (l *loggingTransport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	id, err := l.Next.Subscribe(channel, l.deliveries(channel, callback), opts...)
	return id, l.result("subscribe", err, logging.LogFields{"channel": channel, "subscription": id})
}

func (l *loggingTransport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	id, err := l.Next.SubscribeBroadcast(channel, l.deliveries(channel, callback), opts...)
	return id, l.result("subscribe_broadcast", err, logging.LogFields{"channel": channel, "subscription": id})
}

func (l *loggingTransport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	sub, err := l.Next.SubscribeTemporary(channelHint, l.deliveries(channelHint, callback), opts...)
	return sub, l.result("subscribe_temporary", err, logging.LogFields{"channel_hint": channelHint, "channel": sub.Channel, "subscription": sub.ID})
}

func (l *loggingTransport) Unsubscribe(id int) error {
	return l.result("unsubscribe", l.Next.Unsubscribe(id), logging.LogFields{"subscription": id})
}

func (l *loggingTransport) TransactionBegin() (transport.TransactionID, error) {
	id, err := l.Next.TransactionBegin()
	return id, l.result("transaction_begin", err, logging.LogFields{"transaction": string(id)})
}

func (l *loggingTransport) TransactionAbort(id transport.TransactionID) error {
	return l.result("transaction_abort", l.Next.TransactionAbort(id), logging.LogFields{"transaction": string(id)})
}

func (l *loggingTransport) TransactionCommit(id transport.TransactionID) error {
	return l.result("transaction_commit", l.Next.TransactionCommit(id), logging.LogFields{"transaction": string(id)})
}

func (l *loggingTransport) Ack(messageID string, txn transport.TransactionID) error {
	return l.result("ack", l.Next.Ack(messageID, txn), logging.LogFields{"message_id": messageID, "transaction": string(txn)})
}

func (l *loggingTransport) Nack(messageID string, txn transport.TransactionID) error {
	return l.result("nack", l.Next.Nack(messageID, txn), logging.LogFields{"message_id": messageID, "transaction": string(txn)})
}

func (l *loggingTransport) deliveries(channel string, callback transport.Callback) transport.Callback {
	name := ""
	if callback != nil {
		name = transport.CallbackName(callback)
	}
	return wrapCallback(callback, func(header transport.Header, message any) error {
		err := callback.Deliver(header, message)
		if err != nil {
			l.log.Error("message delivery failed", err, logging.LogFields{
				"channel":    channel,
				"callback":   name,
				"message_id": header.String(transport.HeaderMessageID),
			})
		} else {
			l.log.Trace("message delivered", logging.LogFields{"channel": channel, "callback": name})
		}
		return err
	})
}
