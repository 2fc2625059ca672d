// Package queue implements the queue-backed transport: every operation is
// forwarded as an Envelope onto an injected Queue and executed by whatever
// reads the other end, typically a Replayer in front of a real backend.
package queue

import (
	"fmt"

	"github.com/drblury/workflows/internal/jsoncodec"
)

// Bands discriminate envelope traffic on a multiplexed queue.
const (
	// BandTransport carries operations produced by Transport.
	BandTransport = "transport"
	// BandTransportMessage carries deliveries addressed to a subscription.
	BandTransportMessage = "transport_message"
)

// Call names carried in Envelope.Call.
const (
	CallSend               = "send"
	CallBroadcast          = "broadcast"
	CallSubscribe          = "subscribe"
	CallSubscribeBroadcast = "subscribe_broadcast"
	CallSubscribeTemporary = "subscribe_temporary"
	CallUnsubscribe        = "unsubscribe"
	CallTransactionBegin   = "transaction_begin"
	CallTransactionAbort   = "transaction_abort"
	CallTransactionCommit  = "transaction_commit"
	CallAck                = "ack"
	CallNack               = "nack"
)

// Envelope is one transport operation, or one delivery, in queue form.
//
// Payload shapes by call:
//
//	send, broadcast            []any{destination, message, headers, transaction, delay seconds}
//	subscribe*                 option mapping (never nil)
//	unsubscribe                []any{subscription id}
//	transaction_*              []any{transaction id}
//	ack, nack                  []any{message id, transaction}
//
// Absent values are nil. Deliveries use BandTransportMessage with a
// {"header": ..., "message": ...} payload.
type Envelope struct {
	Band           string `json:"band"`
	Call           string `json:"call,omitempty"`
	Channel        string `json:"channel,omitempty"`
	SubscriptionID int    `json:"subscription_id,omitempty"`
	Payload        any    `json:"payload,omitempty"`
}

func (e Envelope) String() string {
	if e.Call == "" {
		return fmt.Sprintf("%s[%d]", e.Band, e.SubscriptionID)
	}
	return e.Band + "." + e.Call
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return jsoncodec.Marshal(e)
}

// UnmarshalEnvelope decodes a JSON envelope. Payload values come back in
// their JSON shapes: integers as int64, other numbers as float64, tuples as
// []any, mappings as map[string]any.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := jsoncodec.UnmarshalWire(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Band == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing band")
	}
	return env, nil
}

// Delivery builds the envelope reporting a message delivered to subscription.
func Delivery(subscription int, header map[string]any, message any) Envelope {
	return Envelope{
		Band:           BandTransportMessage,
		SubscriptionID: subscription,
		Payload: map[string]any{
			"header":  header,
			"message": message,
		},
	}
}
