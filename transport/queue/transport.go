package queue

import (
	"context"
	"sync"

	"github.com/drblury/workflows/internal/ids"
	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// DefaultTemporaryPrefix prefixes channels derived by SubscribeTemporary.
const DefaultTemporaryPrefix = "transient."

// Transport forwards every operation as one Envelope onto its Queue. It keeps
// only the state needed to produce correct envelopes and errors: the
// connection flag, the subscription registry and transaction states.
type Transport struct {
	mu        sync.Mutex
	queue     Queue
	connected bool

	subs *transport.Subscriptions
	txs  *transport.Transactions

	temporaryPrefix string
	logger          logging.ServiceLogger
}

// Option configures a Transport.
type Option func(*Transport)

// WithQueue attaches the queue at construction time.
func WithQueue(q Queue) Option {
	return func(t *Transport) { t.queue = q }
}

// WithLogger sets the logger used for delivery diagnostics.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(t *Transport) { t.logger = logging.OrNop(logger) }
}

// WithTemporaryPrefix overrides DefaultTemporaryPrefix.
func WithTemporaryPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.temporaryPrefix = prefix
		}
	}
}

// New returns a disconnected transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		subs:            transport.NewSubscriptions(),
		txs:             transport.NewTransactions(),
		temporaryPrefix: DefaultTemporaryPrefix,
		logger:          logging.Nop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

var _ transport.Transport = (*Transport)(nil)

// SetQueue attaches or replaces the queue. It does not change the
// connection state.
func (t *Transport) SetQueue(q Queue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = q
}

// Capabilities reports what the far side of the queue is expected to offer.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.QueueCapabilities
}

// Connect succeeds if and only if a queue is attached.
func (t *Transport) Connect(context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.queue == nil {
		return false
	}
	t.connected = true
	return true
}

// Disconnect drops the connection and invalidates every subscription.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()

	removed := t.subs.Clear()
	if len(removed) > 0 {
		t.logger.Debug("subscriptions invalidated by disconnect", logging.LogFields{"count": len(removed)})
	}
	return nil
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// put enqueues env if connected.
func (t *Transport) put(op string, env Envelope) error {
	t.mu.Lock()
	q, connected := t.queue, t.connected
	t.mu.Unlock()

	if !connected || q == nil {
		return transport.NotConnected(op)
	}
	env.Band = BandTransport
	env.Call = op
	return q.Put(env)
}

func (t *Transport) checkConnected(op string) error {
	if !t.IsConnected() {
		return transport.NotConnected(op)
	}
	return nil
}

func (t *Transport) Send(destination string, message any, opts ...transport.SendOption) error {
	return t.send(CallSend, destination, message, opts)
}

func (t *Transport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	return t.send(CallBroadcast, destination, message, opts)
}

func (t *Transport) send(op, destination string, message any, opts []transport.SendOption) error {
	if err := t.checkConnected(op); err != nil {
		return err
	}
	resolved := transport.ResolveSendOptions(opts...)
	if err := t.txs.CheckOpen(resolved.Transaction); err != nil {
		return err
	}

	var headers, txn, delay any
	if resolved.Headers != nil {
		headers = resolved.Headers
	}
	if resolved.Transaction != "" {
		txn = resolved.Transaction
	}
	if resolved.Delay != nil {
		delay = resolved.Delay.Seconds()
	}
	return t.put(op, Envelope{Payload: []any{destination, message, headers, txn, delay}})
}

func (t *Transport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return t.subscribe(CallSubscribe, transport.KindPersistent, channel, "", callback, opts)
}

func (t *Transport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return t.subscribe(CallSubscribeBroadcast, transport.KindBroadcast, channel, "", callback, opts)
}

// SubscribeTemporary derives a unique channel from channelHint and announces
// it in the envelope so the far side subscribes to exactly that channel.
func (t *Transport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	channel := ids.TemporaryName(t.temporaryPrefix, channelHint)
	id, err := t.subscribe(CallSubscribeTemporary, transport.KindTemporary, channel, channelHint, callback, opts)
	if err != nil {
		return transport.TemporarySubscription{}, err
	}
	return transport.TemporarySubscription{ID: id, Channel: channel}, nil
}

func (t *Transport) subscribe(op string, kind transport.SubscriptionKind, channel, hint string, callback transport.Callback, opts []transport.SubscribeOption) (int, error) {
	if err := t.checkConnected(op); err != nil {
		return 0, err
	}
	options := transport.ResolveSubscribeOptions(opts...)

	var (
		sub transport.Subscription
		err error
	)
	if kind == transport.KindTemporary {
		sub, err = t.subs.AddTemporary(hint, channel, callback, options)
	} else {
		sub, err = t.subs.Add(kind, channel, callback, options)
	}
	if err != nil {
		return 0, err
	}

	env := Envelope{Channel: channel, SubscriptionID: sub.ID, Payload: map[string]any(options)}
	if err := t.put(op, env); err != nil {
		t.subs.Remove(sub.ID)
		return 0, err
	}
	return sub.ID, nil
}

// Unsubscribe is idempotent: unknown ids are forwarded like known ones.
func (t *Transport) Unsubscribe(id int) error {
	if err := t.checkConnected(CallUnsubscribe); err != nil {
		return err
	}
	t.subs.Remove(id)
	return t.put(CallUnsubscribe, Envelope{SubscriptionID: id, Payload: []any{id}})
}

func (t *Transport) TransactionBegin() (transport.TransactionID, error) {
	if err := t.checkConnected(CallTransactionBegin); err != nil {
		return "", err
	}
	id := transport.TransactionID(ids.CreateULID())
	if err := t.txs.Begin(id); err != nil {
		return "", err
	}
	if err := t.put(CallTransactionBegin, Envelope{Payload: []any{id}}); err != nil {
		_ = t.txs.Abort(id)
		return "", err
	}
	return id, nil
}

func (t *Transport) TransactionAbort(id transport.TransactionID) error {
	if err := t.checkConnected(CallTransactionAbort); err != nil {
		return err
	}
	if err := t.txs.Abort(id); err != nil {
		return err
	}
	return t.put(CallTransactionAbort, Envelope{Payload: []any{id}})
}

func (t *Transport) TransactionCommit(id transport.TransactionID) error {
	if err := t.checkConnected(CallTransactionCommit); err != nil {
		return err
	}
	if err := t.txs.Commit(id); err != nil {
		return err
	}
	return t.put(CallTransactionCommit, Envelope{Payload: []any{id}})
}

func (t *Transport) Ack(messageID string, txn transport.TransactionID) error {
	return t.acknowledge(CallAck, messageID, txn)
}

func (t *Transport) Nack(messageID string, txn transport.TransactionID) error {
	return t.acknowledge(CallNack, messageID, txn)
}

func (t *Transport) acknowledge(op, messageID string, txn transport.TransactionID) error {
	if err := t.checkConnected(op); err != nil {
		return err
	}
	if err := t.txs.CheckOpen(txn); err != nil {
		return err
	}
	var tx any
	if txn != "" {
		tx = txn
	}
	return t.put(op, Envelope{Payload: []any{messageID, tx}})
}

// Dispatch delivers a BandTransportMessage envelope to its subscription.
// Envelopes of other bands are ignored. Deliveries for subscriptions that no
// longer exist fail with *transport.UnknownSubscriptionError.
func (t *Transport) Dispatch(env Envelope) error {
	if env.Band != BandTransportMessage {
		return nil
	}
	var (
		header  transport.Header
		message any
	)
	if payload, ok := env.Payload.(map[string]any); ok {
		header = asHeader(payload["header"])
		message = payload["message"]
	}
	err := t.subs.Dispatch(env.SubscriptionID, header, message)
	if err != nil {
		t.logger.Error("delivery failed", err, logging.LogFields{"subscription": env.SubscriptionID})
	}
	return err
}
