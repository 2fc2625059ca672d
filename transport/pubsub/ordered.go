package pubsub

import (
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrPublisherClosed is returned by OrderedPublisher.Publish after Close.
var ErrPublisherClosed = errors.New("workflows: publisher is closed")

// OrderedPublisher hands messages to an inner publisher from one goroutine
// per topic. Publish only queues the messages, so callers never wait for
// subscribers, while each topic reaches the inner publisher one message at a
// time in publish order.
//
// Order is only preserved end to end when the inner Publish returns after
// delivery, as gochannel does with BlockPublishUntilSubscriberAck.
type OrderedPublisher struct {
	inner  message.Publisher
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	topics map[string]*topicQueue
	wg     sync.WaitGroup
}

type topicQueue struct {
	pending []*message.Message
}

// NewOrderedPublisher wraps inner. Close closes inner as well.
func NewOrderedPublisher(inner message.Publisher, logger watermill.LoggerAdapter) *OrderedPublisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &OrderedPublisher{
		inner:  inner,
		logger: logger,
		topics: make(map[string]*topicQueue),
	}
}

func (p *OrderedPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}

	q, ok := p.topics[topic]
	if !ok {
		q = &topicQueue{}
		p.topics[topic] = q
		p.wg.Add(1)
		go p.forward(topic, q)
	}
	q.pending = append(q.pending, messages...)
	return nil
}

// forward drains q and exits once it is empty. The queue is removed under
// the lock, so a later Publish starts a new forwarder only after this one
// has handed over every earlier message.
func (p *OrderedPublisher) forward(topic string, q *topicQueue) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if p.closed || len(q.pending) == 0 {
			if p.topics[topic] == q {
				delete(p.topics, topic)
			}
			p.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		p.mu.Unlock()

		for _, msg := range batch {
			if p.isClosed() {
				break
			}
			if err := p.inner.Publish(topic, msg); err != nil {
				p.logger.Error("Ordered publish failed", err, watermill.LogFields{
					"topic":        topic,
					"message_uuid": msg.UUID,
				})
			}
		}
	}
}

func (p *OrderedPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close drops messages not yet handed to the inner publisher, closes it and
// waits for the forwarding goroutines. It is safe to call more than once.
func (p *OrderedPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.inner.Close()
	p.wg.Wait()
	return err
}
