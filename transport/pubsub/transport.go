package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/workflows/internal/ids"
	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// Topic prefixes used when Config leaves them empty.
const (
	DefaultQueuePrefix     = "queue."
	DefaultBroadcastPrefix = "broadcast."
	DefaultTemporaryPrefix = "transient."
)

var (
	// ErrUnknownMessage is returned by Ack and Nack for message ids that are
	// not awaiting acknowledgement.
	ErrUnknownMessage = errors.New("workflows: message is not awaiting acknowledgement")
	// ErrMessageTooLarge is returned when an encoded message exceeds the
	// backend's MaxMessageSize.
	ErrMessageTooLarge = errors.New("workflows: message exceeds backend size limit")
)

// Transport implements transport.Transport over a Watermill
// publisher/subscriber pair.
//
// Send publishes on "<queue prefix><destination>", Broadcast on
// "<broadcast prefix><destination>". Destinations that already carry the
// temporary prefix are used verbatim so replies reach temporary
// subscriptions. Each subscription is served by its own goroutine; messages
// are acked when the callback succeeds and nacked when it fails, unless the
// subscription asked for explicit acknowledgement. Sends and acks issued in a
// transaction are buffered until commit. Delays are emulated with timers.
type Transport struct {
	builder Builder
	cfg     Config
	caps    transport.Capabilities
	logger  logging.ServiceLogger
	now     func() time.Time

	queuePrefix     string
	broadcastPrefix string
	temporaryPrefix string

	subs *transport.Subscriptions
	txs  *transport.Transactions

	mu        sync.Mutex
	connected bool
	pair      Pair
	ctx       context.Context
	cancel    context.CancelFunc
	running   map[int]context.CancelFunc
	held      map[string]*message.Message
	pending   map[transport.TransactionID][]txOp
	timers    map[*delayed]struct{}
	wg        sync.WaitGroup
}

// txOp is one buffered transactional operation: a publish, or the
// settlement of a held message.
type txOp struct {
	publish   func() error
	messageID string
	ack       bool
}

type delayed struct {
	timer *time.Timer
}

// Option configures a Transport.
type Option func(*Transport)

// WithCapabilities sets the capabilities reported by the transport and
// enforces its MaxMessageSize.
func WithCapabilities(caps transport.Capabilities) Option {
	return func(t *Transport) { t.caps = caps }
}

// WithLogger sets the logger for the transport and its Watermill components.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(t *Transport) { t.logger = logging.OrNop(logger) }
}

// WithClock overrides the clock used for the timestamp header.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns a disconnected transport that calls builder on Connect. cfg is
// handed to the builder and supplies the topic prefixes; it may be nil for
// builders that need no configuration.
func New(builder Builder, cfg Config, opts ...Option) *Transport {
	t := &Transport{
		builder:         builder,
		cfg:             cfg,
		logger:          logging.Nop(),
		now:             time.Now,
		queuePrefix:     DefaultQueuePrefix,
		broadcastPrefix: DefaultBroadcastPrefix,
		temporaryPrefix: DefaultTemporaryPrefix,
		subs:            transport.NewSubscriptions(),
		txs:             transport.NewTransactions(),
		running:         make(map[int]context.CancelFunc),
		held:            make(map[string]*message.Message),
		pending:         make(map[transport.TransactionID][]txOp),
		timers:          make(map[*delayed]struct{}),
	}
	if cfg != nil {
		t.queuePrefix = orDefault(cfg.GetQueuePrefix(), DefaultQueuePrefix)
		t.broadcastPrefix = orDefault(cfg.GetBroadcastPrefix(), DefaultBroadcastPrefix)
		t.temporaryPrefix = orDefault(cfg.GetTemporaryPrefix(), DefaultTemporaryPrefix)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.logger = t.logger.With(logging.LogFields{"backend": t.caps.Name})
	return t
}

var _ transport.Transport = (*Transport)(nil)

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (t *Transport) Capabilities() transport.Capabilities {
	return t.caps
}

// Connect builds the publisher/subscriber pair. It returns false when the
// builder fails; the failure is logged.
func (t *Transport) Connect(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return true
	}
	if t.builder == nil {
		t.logger.Error("cannot connect", errors.New("no backend builder"), nil)
		return false
	}
	pair, err := t.builder(ctx, t.cfg, logging.NewWatermillAdapter(t.logger))
	if err != nil {
		t.logger.Error("backend build failed", err, nil)
		return false
	}
	if pair.Publisher == nil || pair.Subscriber == nil {
		_ = pair.Close()
		t.logger.Error("backend build failed", errors.New("builder returned an incomplete publisher/subscriber pair"), nil)
		return false
	}

	t.pair = pair
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.connected = true
	return true
}

// Disconnect stops every subscription, nacks held messages, drops pending
// delayed sends and closes the backend.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		t.subs.Clear()
		return nil
	}
	t.connected = false
	cancel, pair, held := t.cancel, t.pair, t.held
	for d := range t.timers {
		if d.timer.Stop() {
			t.wg.Done()
		}
	}
	t.pair = Pair{}
	t.held = make(map[string]*message.Message)
	t.pending = make(map[transport.TransactionID][]txOp)
	t.timers = make(map[*delayed]struct{})
	t.running = make(map[int]context.CancelFunc)
	t.mu.Unlock()

	cancel()
	for _, msg := range held {
		msg.Nack()
	}
	t.wg.Wait()

	if removed := t.subs.Clear(); len(removed) > 0 {
		t.logger.Debug("subscriptions invalidated by disconnect", logging.LogFields{"count": len(removed)})
	}
	return pair.Close()
}

func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *Transport) queueTopic(channel string) string {
	if strings.HasPrefix(channel, t.temporaryPrefix) {
		return channel
	}
	return t.queuePrefix + channel
}

func (t *Transport) broadcastTopic(channel string) string {
	return t.broadcastPrefix + channel
}

func (t *Transport) Send(destination string, message any, opts ...transport.SendOption) error {
	return t.publish("send", t.queueTopic(destination), destination, message, opts)
}

func (t *Transport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	return t.publish("broadcast", t.broadcastTopic(destination), destination, message, opts)
}

func (t *Transport) publish(op, topic, destination string, payload any, opts []transport.SendOption) error {
	if !t.IsConnected() {
		return transport.NotConnected(op)
	}
	resolved := transport.ResolveSendOptions(opts...)

	msg, err := encode(destination, payload, resolved.Headers, t.now())
	if err != nil {
		return err
	}
	if limit := t.caps.MaxMessageSize; limit > 0 && int64(len(msg.Payload)) > limit {
		return fmt.Errorf("%w: %d bytes, %s allows %d", ErrMessageTooLarge, len(msg.Payload), t.caps.Name, limit)
	}

	var delay time.Duration
	if resolved.Delay != nil {
		delay = *resolved.Delay
	}
	send := func() error { return t.publishAfter(op, topic, msg, delay) }

	if resolved.Transaction == "" {
		return send()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.txs.CheckOpen(resolved.Transaction); err != nil {
		return err
	}
	t.pending[resolved.Transaction] = append(t.pending[resolved.Transaction], txOp{publish: send})
	return nil
}

func (t *Transport) publishAfter(op, topic string, msg *message.Message, delay time.Duration) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return transport.NotConnected(op)
	}
	publisher := t.pair.Publisher
	if delay <= 0 {
		t.mu.Unlock()
		return publisher.Publish(topic, msg)
	}

	d := &delayed{}
	t.wg.Add(1)
	d.timer = time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.mu.Lock()
		delete(t.timers, d)
		connected := t.connected
		t.mu.Unlock()
		if !connected {
			return
		}
		if err := publisher.Publish(topic, msg); err != nil {
			t.logger.Error("delayed publish failed", err, logging.LogFields{"topic": topic, "message_id": msg.UUID})
		}
	})
	t.timers[d] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return t.subscribe("subscribe", transport.KindPersistent, t.queueTopic(channel), channel, "", callback, opts)
}

func (t *Transport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	return t.subscribe("subscribe_broadcast", transport.KindBroadcast, t.broadcastTopic(channel), channel, "", callback, opts)
}

// SubscribeTemporary subscribes to a freshly derived channel. Send to the
// returned channel name to reach it.
func (t *Transport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	channel := ids.TemporaryName(t.temporaryPrefix, channelHint)
	id, err := t.subscribe("subscribe_temporary", transport.KindTemporary, channel, channel, channelHint, callback, opts)
	if err != nil {
		return transport.TemporarySubscription{}, err
	}
	return transport.TemporarySubscription{ID: id, Channel: channel}, nil
}

func (t *Transport) subscribe(op string, kind transport.SubscriptionKind, topic, channel, hint string, callback transport.Callback, opts []transport.SubscribeOption) (int, error) {
	if !t.IsConnected() {
		return 0, transport.NotConnected(op)
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

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		t.subs.Remove(sub.ID)
		return 0, transport.NotConnected(op)
	}
	ctx, cancel := context.WithCancel(t.ctx)
	subscriber := t.pair.Subscriber
	t.running[sub.ID] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		t.wg.Done()
		t.mu.Lock()
		delete(t.running, sub.ID)
		t.mu.Unlock()
		t.subs.Remove(sub.ID)
		return 0, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	go t.consume(ctx, sub.ID, topic, options.Bool(transport.OptionAcknowledgement), messages)
	return sub.ID, nil
}

func (t *Transport) consume(ctx context.Context, id int, topic string, manual bool, messages <-chan *message.Message) {
	defer t.wg.Done()
	logger := t.logger.With(logging.LogFields{"subscription": id, "topic": topic})
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			t.handle(logger, id, manual, msg)
		}
	}
}

func (t *Transport) handle(logger logging.ServiceLogger, id int, manual bool, msg *message.Message) {
	header, payload, err := decode(msg, id)
	if err == nil {
		if manual {
			t.hold(msg)
		}
		err = t.subs.Dispatch(id, header, payload)
		if err == nil {
			if !manual {
				msg.Ack()
			}
			return
		}
		if manual && !t.release(msg.UUID) {
			// Already settled by the callback.
			return
		}
	}

	fields := logging.LogFields{"message_id": msg.UUID}
	if transport.IsPermanent(err) {
		logger.Error("dropping undeliverable message", err, fields)
		msg.Ack()
		return
	}
	logger.Error("message delivery failed", err, fields)
	msg.Nack()
}

func (t *Transport) hold(msg *message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.held[msg.UUID] = msg
}

func (t *Transport) release(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[messageID]
	delete(t.held, messageID)
	return ok
}

// Unsubscribe stops delivery to id. Unknown ids are accepted.
func (t *Transport) Unsubscribe(id int) error {
	if !t.IsConnected() {
		return transport.NotConnected("unsubscribe")
	}
	t.subs.Remove(id)

	t.mu.Lock()
	cancel, ok := t.running[id]
	delete(t.running, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (t *Transport) TransactionBegin() (transport.TransactionID, error) {
	if !t.IsConnected() {
		return "", transport.NotConnected("transaction_begin")
	}
	id := transport.TransactionID(ids.CreateULID())
	if err := t.txs.Begin(id); err != nil {
		return "", err
	}
	return id, nil
}

// TransactionCommit performs the buffered operations in order.
func (t *Transport) TransactionCommit(id transport.TransactionID) error {
	if !t.IsConnected() {
		return transport.NotConnected("transaction_commit")
	}
	ops, err := t.finish(id, t.txs.Commit)
	if err != nil {
		return err
	}
	var errs []error
	for _, op := range ops {
		if op.publish != nil {
			errs = append(errs, op.publish())
			continue
		}
		errs = append(errs, t.settle(op.messageID, op.ack))
	}
	return errors.Join(errs...)
}

// TransactionAbort drops buffered sends and nacks every message the
// transaction meant to settle.
func (t *Transport) TransactionAbort(id transport.TransactionID) error {
	if !t.IsConnected() {
		return transport.NotConnected("transaction_abort")
	}
	ops, err := t.finish(id, t.txs.Abort)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.publish == nil {
			_ = t.settle(op.messageID, false)
		}
	}
	return nil
}

func (t *Transport) finish(id transport.TransactionID, transition func(transport.TransactionID) error) ([]txOp, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := transition(id); err != nil {
		return nil, err
	}
	ops := t.pending[id]
	delete(t.pending, id)
	return ops, nil
}

// Ack acknowledges a message delivered on a subscription with the
// acknowledgement option.
func (t *Transport) Ack(messageID string, txn transport.TransactionID) error {
	return t.acknowledge("ack", messageID, txn, true)
}

// Nack rejects a held message so the backend redelivers it.
func (t *Transport) Nack(messageID string, txn transport.TransactionID) error {
	return t.acknowledge("nack", messageID, txn, false)
}

func (t *Transport) acknowledge(op, messageID string, txn transport.TransactionID, ack bool) error {
	if !t.IsConnected() {
		return transport.NotConnected(op)
	}
	t.mu.Lock()
	if _, ok := t.held[messageID]; !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if txn != "" {
		defer t.mu.Unlock()
		if err := t.txs.CheckOpen(txn); err != nil {
			return err
		}
		t.pending[txn] = append(t.pending[txn], txOp{messageID: messageID, ack: ack})
		return nil
	}
	t.mu.Unlock()
	return t.settle(messageID, ack)
}

func (t *Transport) settle(messageID string, ack bool) error {
	t.mu.Lock()
	msg, ok := t.held[messageID]
	delete(t.held, messageID)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	if ack {
		msg.Ack()
	} else {
		msg.Nack()
	}
	return nil
}
