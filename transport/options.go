package transport

import "time"

// SendOptions are the resolved options of a Send or Broadcast call.
type SendOptions struct {
	Headers     Header
	Transaction TransactionID
	// Delay postpones delivery when the backend supports it. Nil means no delay.
	Delay *time.Duration
}

// SendOption configures a Send or Broadcast call.
type SendOption func(*SendOptions)

// WithHeaders attaches headers to an outgoing message.
func WithHeaders(headers Header) SendOption {
	return func(o *SendOptions) {
		o.Headers = headers
	}
}

// InTransaction sends the message as part of an open transaction.
func InTransaction(id TransactionID) SendOption {
	return func(o *SendOptions) {
		o.Transaction = id
	}
}

// WithDelay asks the backend to postpone delivery.
func WithDelay(d time.Duration) SendOption {
	return func(o *SendOptions) {
		o.Delay = &d
	}
}

// ResolveSendOptions applies opts in order.
func ResolveSendOptions(opts ...SendOption) SendOptions {
	var resolved SendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}

// Subscription option keys understood by the bundled backends.
const (
	OptionAcknowledgement = "acknowledgement"
	OptionExclusive       = "exclusive"
	OptionRetroactive     = "retroactive"
	OptionPriority        = "priority"
	OptionSelector        = "selector"
)

// SubscribeOptions holds the keyword options of a subscribe call. Backends
// ignore keys they do not understand.
type SubscribeOptions map[string]any

// SubscribeOption configures a subscribe call.
type SubscribeOption func(SubscribeOptions)

// WithOption sets an arbitrary subscription option.
func WithOption(key string, value any) SubscribeOption {
	return func(o SubscribeOptions) {
		o[key] = value
	}
}

// Acknowledgement requires the application to Ack or Nack every message.
func Acknowledgement() SubscribeOption { return WithOption(OptionAcknowledgement, true) }

// Exclusive requests an exclusive consumer on the channel.
func Exclusive() SubscribeOption { return WithOption(OptionExclusive, true) }

// Retroactive asks for the last retained broadcast to be replayed.
func Retroactive() SubscribeOption { return WithOption(OptionRetroactive, true) }

// Priority sets the consumer priority.
func Priority(p int) SubscribeOption { return WithOption(OptionPriority, p) }

// Selector filters messages by a backend specific selector expression.
func Selector(expr string) SubscribeOption { return WithOption(OptionSelector, expr) }

// ResolveSubscribeOptions applies opts in order. The result is never nil.
func ResolveSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	resolved := SubscribeOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(resolved)
		}
	}
	return resolved
}

// Bool reports whether key is set to true.
func (o SubscribeOptions) Bool(key string) bool {
	v, ok := o[key].(bool)
	return ok && v
}
