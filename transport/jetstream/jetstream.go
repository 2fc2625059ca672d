// Package jetstream provides the NATS JetStream backend. All topics live as
// subjects of one stream and every topic is read through a durable pull
// consumer, so messages survive restarts and are redelivered until acked.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/workflows/transport"
	natsbackend "github.com/drblury/workflows/transport/nats"
	"github.com/drblury/workflows/transport/pubsub"
)

// TransportName is the name used to register this backend.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream used when the configuration names none.
	DefaultStreamName = "WORKFLOWS"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = 7 * 24 * time.Hour

	fetchBatch = 10
)

// FetchWait is how long one pull request waits for messages.
var FetchWait = time.Second

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("workflows: jetstream backend is closed")

// ConnectFactory allows overriding the connection creation for testing.
var ConnectFactory = func(url string, options ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, options...)
}

// ContextFactory allows overriding the JetStream context creation for testing.
var ContextFactory = func(conn *nats.Conn) (nats.JetStreamContext, error) {
	return conn.JetStream()
}

// Register adds the JetStream backend to reg.
func Register(reg *pubsub.Registry) {
	reg.Register(TransportName, Build, transport.JetStreamCapabilities)
}

// Build connects to NATS with the same connection options as the core
// backend and makes sure the stream exists.
func Build(ctx context.Context, cfg pubsub.Config, logger watermill.LoggerAdapter) (pubsub.Pair, error) {
	conn, err := ConnectFactory(cfg.GetNATSURL(), natsbackend.ConnectionOptions(cfg)...)
	if err != nil {
		return pubsub.Pair{}, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := ContextFactory(conn)
	if err != nil {
		conn.Close()
		return pubsub.Pair{}, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t, err := New(js, Config{StreamName: cfg.GetNATSStream()}, logger)
	if err != nil {
		conn.Close()
		return pubsub.Pair{}, err
	}
	t.onClose = conn.Close

	return pubsub.Pair{Publisher: t, Subscriber: t}, nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream-specific settings.
type Config struct {
	// StreamName is the stream holding every topic. Defaults to
	// DefaultStreamName.
	StreamName string

	MaxDeliver int
	AckWait    time.Duration
	Replicas   int

	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.Retention {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// Transport is both the publisher and the subscriber of the backend.
type Transport struct {
	js      nats.JetStreamContext
	config  Config
	logger  watermill.LoggerAdapter
	onClose func()

	mu      sync.Mutex
	subs    []*nats.Subscription
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// New returns a backend on js, creating or updating the stream.
func New(js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	t := &Transport{
		js:      js,
		config:  cfg.withDefaults(),
		logger:  logger,
		closing: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    DefaultMaxAge,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}

	_, err := t.js.AddStream(streamCfg)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return err
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		t.logger.Info("JetStream stream exists with a different configuration", watermill.LogFields{
			"stream": t.config.StreamName,
			"error":  err.Error(),
		})
	}
	return nil
}

// Publish stores messages in the stream. The message UUID doubles as the
// JetStream deduplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := t.subject(topic)
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := t.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscribe binds a durable pull consumer to topic and delivers its
// messages one at a time, acking or naking each on the server as the
// watermill message is acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	subject := t.subject(topic)
	durable := ConsumerName(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	t.subs = append(t.subs, sub)

	output := make(chan *message.Message)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer close(output)
		t.fetch(ctx, sub, output, topic)
	}()
	return output, nil
}

func (t *Transport) fetch(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	logger := t.logger.With(watermill.LogFields{"topic": topic})
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(FetchWait))
		switch {
		case err == nil:
		case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			continue
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return
		default:
			logger.Error("Failed to fetch messages", err, nil)
			select {
			case <-ctx.Done():
				return
			case <-t.closing:
				return
			case <-time.After(FetchWait):
			}
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, logger, natsMsg, output) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, logger watermill.LoggerAdapter, natsMsg *nats.Msg, output chan<- *message.Message) bool {
	msg := toMessage(natsMsg)
	msg.SetContext(ctx)

	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			logger.Error("Failed to ack", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			logger.Error("Failed to nak", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}
	return true
}

func toMessage(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}

	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// ConsumerName derives the durable consumer name of a topic. Consumer names
// may not contain subject tokens, so dots and wildcards become underscores.
func ConsumerName(topic string) string {
	return "workflows_" + strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, topic)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops every subscription, waits for the fetch loops and closes the
// connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.wg.Wait()

	if t.onClose != nil {
		t.onClose()
	}
	return errors.Join(errs...)
}
