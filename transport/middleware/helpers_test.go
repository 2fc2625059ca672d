package middleware

import (
	"context"
	"sync"

	"github.com/drblury/workflows/transport"
)

type call struct {
	op      string
	target  string
	message any
}

// recorder is an in-memory backend that records every call and keeps the
// registered callbacks so tests can deliver to them.
type recorder struct {
	mu        sync.Mutex
	connected bool
	calls     []call
	subs      *transport.Subscriptions
	failNext  map[string][]error
}

func newRecorder() *recorder {
	return &recorder{subs: transport.NewSubscriptions(), failNext: map[string][]error{}}
}

func (r *recorder) record(op, target string, message any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{op: op, target: target, message: message})
	if errs := r.failNext[op]; len(errs) > 0 {
		r.failNext[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *recorder) failWith(op string, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[op] = append(r.failNext[op], errs...)
}

func (r *recorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.op)
	}
	return out
}

func (r *recorder) last() call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func (r *recorder) Capabilities() transport.Capabilities { return transport.ChannelCapabilities }

func (r *recorder) Connect(context.Context) bool {
	if err := r.record("connect", "", nil); err != nil {
		return false
	}
	r.connected = true
	return true
}

func (r *recorder) Disconnect() error {
	r.connected = false
	r.subs.Clear()
	return r.record("disconnect", "", nil)
}

func (r *recorder) IsConnected() bool { return r.connected }

func (r *recorder) Send(destination string, message any, _ ...transport.SendOption) error {
	return r.record("send", destination, message)
}

func (r *recorder) Broadcast(destination string, message any, _ ...transport.SendOption) error {
	return r.record("broadcast", destination, message)
}

func (r *recorder) subscribe(op string, kind transport.SubscriptionKind, channel string, cb transport.Callback, opts []transport.SubscribeOption) (int, error) {
	if err := r.record(op, channel, nil); err != nil {
		return 0, err
	}
	sub, err := r.subs.Add(kind, channel, cb, transport.ResolveSubscribeOptions(opts...))
	return sub.ID, err
}

func (r *recorder) Subscribe(channel string, cb transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return r.subscribe("subscribe", transport.KindPersistent, channel, cb, opts)
}

func (r *recorder) SubscribeBroadcast(channel string, cb transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return r.subscribe("subscribe_broadcast", transport.KindBroadcast, channel, cb, opts)
}

func (r *recorder) SubscribeTemporary(hint string, cb transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	id, err := r.subscribe("subscribe_temporary", transport.KindTemporary, "transient."+hint, cb, opts)
	return transport.TemporarySubscription{ID: id, Channel: "transient." + hint}, err
}

func (r *recorder) Unsubscribe(id int) error {
	r.subs.Remove(id)
	return r.record("unsubscribe", "", id)
}

func (r *recorder) TransactionBegin() (transport.TransactionID, error) {
	return "tx-1", r.record("transaction_begin", "", nil)
}

func (r *recorder) TransactionAbort(id transport.TransactionID) error {
	return r.record("transaction_abort", string(id), nil)
}

func (r *recorder) TransactionCommit(id transport.TransactionID) error {
	return r.record("transaction_commit", string(id), nil)
}

func (r *recorder) Ack(messageID string, _ transport.TransactionID) error {
	return r.record("ack", messageID, nil)
}

func (r *recorder) Nack(messageID string, _ transport.TransactionID) error {
	return r.record("nack", messageID, nil)
}

func (r *recorder) deliver(id int, header transport.Header, message any) error {
	return r.subs.Dispatch(id, header, message)
}
