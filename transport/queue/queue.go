package queue

import (
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/workflows/internal/ids"
)

var (
	// ErrQueueFull is returned by ChannelQueue.Put when the buffer is full.
	ErrQueueFull = errors.New("workflows: envelope queue is full")
	// ErrQueueClosed is returned by ChannelQueue.Put after Close.
	ErrQueueClosed = errors.New("workflows: envelope queue is closed")
)

// Queue accepts envelopes without blocking. The transport only ever writes;
// reading the other end is the owner's business.
type Queue interface {
	Put(env Envelope) error
}

// Func adapts a function to Queue.
type Func func(env Envelope) error

func (f Func) Put(env Envelope) error { return f(env) }

// ChannelQueue is an in-process Queue backed by a buffered channel.
type ChannelQueue struct {
	mu     sync.RWMutex
	ch     chan Envelope
	closed bool
}

// NewChannelQueue returns a queue buffering up to size envelopes.
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = 1
	}
	return &ChannelQueue{ch: make(chan Envelope, size)}
}

func (q *ChannelQueue) Put(env Envelope) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// C returns the read side of the queue.
func (q *ChannelQueue) C() <-chan Envelope { return q.ch }

// Len returns the number of buffered envelopes.
func (q *ChannelQueue) Len() int { return len(q.ch) }

// Close stops accepting envelopes and closes the read side once drained.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// PublisherQueue writes envelopes as JSON messages to a Watermill publisher,
// letting any Watermill backend carry the queue between processes.
//
// Envelopes must reach the consumer in the order they were put, so the
// carrier has to preserve per-topic order. A persistent gochannel does not;
// the channel backend's broker (see channel.BrokerConfig and
// pubsub.NewOrderedPublisher) does.
type PublisherQueue struct {
	publisher message.Publisher
	topic     string
}

// NewPublisherQueue returns a queue publishing on topic.
func NewPublisherQueue(publisher message.Publisher, topic string) *PublisherQueue {
	return &PublisherQueue{publisher: publisher, topic: topic}
}

func (q *PublisherQueue) Put(env Envelope) error {
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set("band", env.Band)
	if env.Call != "" {
		msg.Metadata.Set("call", env.Call)
	}
	return q.publisher.Publish(q.topic, msg)
}
