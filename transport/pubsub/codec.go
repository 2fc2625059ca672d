package pubsub

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/workflows/internal/ids"
	"github.com/drblury/workflows/internal/jsoncodec"
	"github.com/drblury/workflows/transport"
)

// encode turns a wire-form message and its headers into a Watermill message.
// Header values are stringified; a timestamp in unix milliseconds is added
// when the caller did not set one.
func encode(destination string, payload any, headers transport.Header, now time.Time) (*message.Message, error) {
	body, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, &transport.ConversionError{Type: fmt.Sprintf("%T", payload), Err: err}
	}

	msg := message.NewMessage(ids.CreateULID(), body)
	for key, value := range headers {
		if value == nil {
			continue
		}
		msg.Metadata.Set(key, stringify(value))
	}
	if msg.Metadata.Get(transport.HeaderTimestamp) == "" {
		msg.Metadata.Set(transport.HeaderTimestamp, strconv.FormatInt(now.UnixMilli(), 10))
	}
	msg.Metadata.Set(transport.HeaderDestination, destination)
	return msg, nil
}

// decode returns the header and wire-form message of a delivered Watermill
// message. The message id is the Watermill UUID.
func decode(msg *message.Message, subscription int) (transport.Header, any, error) {
	header := make(transport.Header, len(msg.Metadata)+2)
	for key, value := range msg.Metadata {
		header[key] = value
	}
	header[transport.HeaderMessageID] = msg.UUID
	header[transport.HeaderSubscription] = subscription

	if len(msg.Payload) == 0 {
		return header, nil, nil
	}
	var payload any
	if err := jsoncodec.UnmarshalWire(msg.Payload, &payload); err != nil {
		return header, nil, &transport.ConversionError{Err: fmt.Errorf("decode payload of %s: %w", msg.UUID, err)}
	}
	return header, payload, nil
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
