package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// Replayer is the receiving end of a queue: it executes transport envelopes
// on a real backend and reports deliveries back on a reply queue.
//
// Subscription ids and transaction ids chosen by the sending Transport are
// mapped to the ids the backend hands out, so both sides keep their own
// numbering.
type Replayer struct {
	target transport.Transport
	reply  Queue
	logger logging.ServiceLogger

	mu   sync.Mutex
	subs map[int]int
	txs  map[transport.TransactionID]transport.TransactionID
}

// NewReplayer returns a replayer executing envelopes on target. Deliveries
// are put on reply; a nil reply drops them.
func NewReplayer(target transport.Transport, reply Queue, logger logging.ServiceLogger) *Replayer {
	return &Replayer{
		target: target,
		reply:  reply,
		logger: logging.OrNop(logger),
		subs:   make(map[int]int),
		txs:    make(map[transport.TransactionID]transport.TransactionID),
	}
}

// Handle executes one envelope. Envelopes of other bands are ignored so the
// replayer can sit on a multiplexed queue.
func (r *Replayer) Handle(env Envelope) error {
	if env.Band != BandTransport {
		return nil
	}
	switch env.Call {
	case CallSend, CallBroadcast:
		return r.send(env)
	case CallSubscribe, CallSubscribeBroadcast, CallSubscribeTemporary:
		return r.subscribe(env)
	case CallUnsubscribe:
		return r.unsubscribe(env)
	case CallTransactionBegin:
		return r.begin(env)
	case CallTransactionAbort, CallTransactionCommit:
		return r.finish(env)
	case CallAck, CallNack:
		return r.acknowledge(env)
	default:
		return fmt.Errorf("workflows: unknown envelope call %q", env.Call)
	}
}

// Close unsubscribes everything the replayer subscribed on the target.
func (r *Replayer) Close() error {
	r.mu.Lock()
	local := make([]int, 0, len(r.subs))
	for _, id := range r.subs {
		local = append(local, id)
	}
	r.subs = make(map[int]int)
	r.mu.Unlock()

	for _, id := range local {
		if err := r.target.Unsubscribe(id); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replayer) localTransaction(v any) (transport.TransactionID, error) {
	remote := asTransaction(v)
	if remote == "" {
		return "", nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.txs[remote]
	if !ok {
		return "", &transport.TransactionError{ID: remote, Reason: "unknown transaction"}
	}
	return local, nil
}

func (r *Replayer) send(env Envelope) error {
	args, err := tuple(env, 2)
	if err != nil {
		return err
	}
	destination, ok := asString(args[0])
	if !ok {
		return fmt.Errorf("workflows: %s envelope without destination", env.Call)
	}

	var opts []transport.SendOption
	if len(args) > 2 {
		if headers := asHeader(args[2]); headers != nil {
			opts = append(opts, transport.WithHeaders(headers))
		}
	}
	if len(args) > 3 {
		txn, err := r.localTransaction(args[3])
		if err != nil {
			return err
		}
		if txn != "" {
			opts = append(opts, transport.InTransaction(txn))
		}
	}
	if len(args) > 4 {
		if delay, ok := asDelay(args[4]); ok {
			opts = append(opts, transport.WithDelay(delay))
		}
	}

	if env.Call == CallBroadcast {
		return r.target.Broadcast(destination, args[1], opts...)
	}
	return r.target.Send(destination, args[1], opts...)
}

func (r *Replayer) subscribe(env Envelope) error {
	if env.Channel == "" || env.SubscriptionID == 0 {
		return fmt.Errorf("workflows: %s envelope without channel or subscription id", env.Call)
	}
	remote := env.SubscriptionID
	callback := transport.CallbackFunc(func(header transport.Header, message any) error {
		return r.deliver(remote, header, message)
	})
	opts := asOptions(env.Payload)

	var (
		local int
		err   error
	)
	switch env.Call {
	case CallSubscribeBroadcast:
		local, err = r.target.SubscribeBroadcast(env.Channel, callback, opts...)
	default:
		// Temporary channels were already derived by the sender.
		local, err = r.target.Subscribe(env.Channel, callback, opts...)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.subs[remote] = local
	r.mu.Unlock()
	return nil
}

func (r *Replayer) deliver(remote int, header transport.Header, message any) error {
	if r.reply == nil {
		return nil
	}
	return r.reply.Put(Delivery(remote, header, message))
}

func (r *Replayer) unsubscribe(env Envelope) error {
	remote := env.SubscriptionID
	if args, err := tuple(env, 1); err == nil && args[0] != nil {
		id, ok := asInt(args[0])
		if !ok {
			return fmt.Errorf("workflows: malformed unsubscribe id %v", args[0])
		}
		remote = id
	}

	r.mu.Lock()
	local, ok := r.subs[remote]
	delete(r.subs, remote)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.target.Unsubscribe(local)
}

func (r *Replayer) begin(env Envelope) error {
	args, err := tuple(env, 1)
	if err != nil {
		return err
	}
	remote := asTransaction(args[0])
	if remote == "" {
		return fmt.Errorf("workflows: transaction_begin envelope without transaction id")
	}
	local, err := r.target.TransactionBegin()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.txs[remote] = local
	r.mu.Unlock()
	return nil
}

func (r *Replayer) finish(env Envelope) error {
	args, err := tuple(env, 1)
	if err != nil {
		return err
	}
	remote := asTransaction(args[0])
	local, err := r.localTransaction(remote)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.txs, remote)
	r.mu.Unlock()

	if env.Call == CallTransactionAbort {
		return r.target.TransactionAbort(local)
	}
	return r.target.TransactionCommit(local)
}

func (r *Replayer) acknowledge(env Envelope) error {
	args, err := tuple(env, 1)
	if err != nil {
		return err
	}
	messageID, _ := asString(args[0])
	var txn transport.TransactionID
	if len(args) > 1 {
		if txn, err = r.localTransaction(args[1]); err != nil {
			return err
		}
	}
	if env.Call == CallNack {
		return r.target.Nack(messageID, txn)
	}
	return r.target.Ack(messageID, txn)
}

// Run executes envelopes from the channel queue until ctx is done or the
// queue is closed. Failures are logged and do not stop the loop.
func (r *Replayer) Run(ctx context.Context, envelopes <-chan Envelope) {
	Drain(ctx, envelopes, r.Handle, r.logger)
}
