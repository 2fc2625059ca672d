package middleware

import (
	"fmt"
	"reflect"

	"github.com/drblury/workflows/transport"
	"github.com/drblury/workflows/transport/convert"
)

// Converting serializes outgoing messages and deserializes incoming ones
// against the message type declared by each subscription's callback.
type Converting struct {
	converter convert.Converter
}

// ConvertingOption customises a Converting middleware.
type ConvertingOption func(*Converting)

// WithConverter injects the converter. The default handles protobuf messages
// and tagged structs.
func WithConverter(c convert.Converter) ConvertingOption {
	return func(m *Converting) {
		if c != nil {
			m.converter = c
		}
	}
}

// NewConverting returns a converting middleware.
func NewConverting(opts ...ConvertingOption) *Converting {
	m := &Converting{converter: convert.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Converter returns the converter in use.
func (m *Converting) Converter() convert.Converter { return m.converter }

func (m *Converting) Wrap(next transport.Transport) transport.Transport {
	return &convertingTransport{Base: Base{Next: next}, converter: m.converter}
}

type convertingTransport struct {
	Base
	converter convert.Converter
}

func (c *convertingTransport) Send(destination string, message any, opts ...transport.SendOption) error {
	wire, err := c.converter.Serialize(message)
	if err != nil {
		return err
	}
	return c.Next.Send(destination, wireOrNil(wire), opts...)
}

func (c *convertingTransport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	wire, err := c.converter.Serialize(message)
	if err != nil {
		return err
	}
	return c.Next.Broadcast(destination, wireOrNil(wire), opts...)
}

func (c *convertingTransport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	adapter, err := c.deserializing(callback)
	if err != nil {
		return 0, err
	}
	return c.Next.Subscribe(channel, adapter, opts...)
}

func (c *convertingTransport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	adapter, err := c.deserializing(callback)
	if err != nil {
		return 0, err
	}
	return c.Next.SubscribeBroadcast(channel, adapter, opts...)
}

func (c *convertingTransport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	adapter, err := c.deserializing(callback)
	if err != nil {
		return transport.TemporarySubscription{}, err
	}
	return c.Next.SubscribeTemporary(channelHint, adapter, opts...)
}

// deserializing resolves the expected type once and returns the adapter that
// is registered with the next link instead of callback.
func (c *convertingTransport) deserializing(callback transport.Callback) (transport.Callback, error) {
	expected, err := transport.MessageType(callback)
	if err != nil {
		return nil, err
	}
	return &deserializingCallback{
		inner:     callback,
		expected:  expected,
		converter: c.converter,
		name:      transport.CallbackName(callback),
	}, nil
}

// deserializingCallback is deliberately untyped: links below it deliver wire
// form messages.
type deserializingCallback struct {
	inner     transport.Callback
	expected  reflect.Type
	converter convert.Converter
	name      string
}

func (d *deserializingCallback) Deliver(header transport.Header, message any) error {
	if d.expected == nil || message == nil {
		return d.inner.Deliver(header, message)
	}
	if reflect.TypeOf(message) == d.expected {
		return d.inner.Deliver(header, message)
	}
	wire, ok := convert.AsWire(message)
	if !ok {
		return &transport.ConversionError{
			Type: d.expected.String(),
			Err:  fmt.Errorf("%s expected a wire-form mapping, got %T", d.name, message),
		}
	}
	value, err := d.converter.Deserialize(wire, d.expected)
	if err != nil {
		return err
	}
	return d.inner.Deliver(header, value)
}

func (d *deserializingCallback) Name() string { return d.name }

// wireOrNil keeps a nil message untyped on its way down the chain.
func wireOrNil(wire map[string]any) any {
	if wire == nil {
		return nil
	}
	return wire
}
