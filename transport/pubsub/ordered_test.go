package pubsub

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingPublisher stores published payloads per topic and can be held
// to simulate a broker waiting for acks.
type recordingPublisher struct {
	mu     sync.Mutex
	gate   chan struct{}
	topics map[string][]string
	closed int
}

func newRecordingPublisher() *recordingPublisher {
	gate := make(chan struct{})
	close(gate)
	return &recordingPublisher{gate: gate, topics: make(map[string][]string)}
}

func (r *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	<-r.gate
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range messages {
		r.topics[topic] = append(r.topics[topic], string(msg.Payload))
	}
	return nil
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *recordingPublisher) published(topic string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics[topic]...)
}

func TestOrderedPublisherKeepsTopicOrder(t *testing.T) {
	inner := newRecordingPublisher()
	p := NewOrderedPublisher(inner, nil)

	var want []string
	for i := 0; i < 200; i++ {
		payload := strconv.Itoa(i)
		want = append(want, payload)
		require.NoError(t, p.Publish("jobs", message.NewMessage(payload, []byte(payload))))
		require.NoError(t, p.Publish("other", message.NewMessage("o"+payload, []byte(payload))))
	}

	require.Eventually(t, func() bool {
		return len(inner.published("jobs")) == len(want) && len(inner.published("other")) == len(want)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, inner.published("jobs"))
	assert.Equal(t, want, inner.published("other"))
	require.NoError(t, p.Close())
}

func TestOrderedPublisherDoesNotBlockOnInner(t *testing.T) {
	inner := newRecordingPublisher()
	inner.gate = make(chan struct{})
	p := NewOrderedPublisher(inner, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			assert.NoError(t, p.Publish("jobs", message.NewMessage(strconv.Itoa(i), []byte{'a' + byte(i)})))
		}
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("publish waited for the inner publisher")
	}
	assert.Empty(t, inner.published("jobs"))

	close(inner.gate)
	require.Eventually(t, func() bool { return len(inner.published("jobs")) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, inner.published("jobs"))
	require.NoError(t, p.Close())
}

func TestOrderedPublisherClose(t *testing.T) {
	inner := newRecordingPublisher()
	p := NewOrderedPublisher(inner, nil)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, inner.closed)
	assert.ErrorIs(t, p.Publish("jobs", message.NewMessage("1", nil)), ErrPublisherClosed)
}

func TestOrderedBuilderDeliversInOrder(t *testing.T) {
	tr := New(orderedBuilder(), nil)
	require.True(t, tr.Connect(context.Background()))
	t.Cleanup(func() { _ = tr.Disconnect() })

	cb, ch := collect()
	_, err := tr.Subscribe("jobs", cb)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Send("jobs", i))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, int64(i), receive(t, ch).message)
	}
}
