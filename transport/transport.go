// Package transport defines the capability contract shared by every transport
// backend and every middleware, together with the pieces both sides need:
// headers, callbacks, options, the subscription registry, transaction
// bookkeeping and the error taxonomy.
//
// Backends live in sub-packages (queue, pubsub) and middlewares in the
// middleware package. A chain of middlewares around a backend satisfies the
// same Transport interface as the bare backend.
package transport

import "context"

// TransactionID identifies a producer/consumer transaction. The zero value
// means "no transaction".
type TransactionID string

// TemporarySubscription is returned by SubscribeTemporary. Channel is the
// ephemeral channel actually subscribed to, which may differ from the hint.
type TemporarySubscription struct {
	ID      int
	Channel string
}

// Transport is the operation set every backend and every middleware chain
// supports.
//
// Connect reports failure through its return value instead of an error so
// callers can poll and retry. Every other operation returns an error on
// failure; operations attempted while disconnected return a
// *ConnectionError. Send and Broadcast never wait for remote acknowledgement.
type Transport interface {
	Connect(ctx context.Context) bool
	Disconnect() error
	IsConnected() bool

	Send(destination string, message any, opts ...SendOption) error
	Broadcast(destination string, message any, opts ...SendOption) error

	Subscribe(channel string, callback Callback, opts ...SubscribeOption) (int, error)
	SubscribeBroadcast(channel string, callback Callback, opts ...SubscribeOption) (int, error)
	SubscribeTemporary(channelHint string, callback Callback, opts ...SubscribeOption) (TemporarySubscription, error)
	// Unsubscribe is idempotent: unknown or already removed ids are accepted.
	Unsubscribe(id int) error

	TransactionBegin() (TransactionID, error)
	TransactionAbort(id TransactionID) error
	TransactionCommit(id TransactionID) error

	Ack(messageID string, transaction TransactionID) error
	Nack(messageID string, transaction TransactionID) error
}
