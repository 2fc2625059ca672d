package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/workflows/transport"
)

// Metrics records Prometheus counters and latencies for every transport
// operation and every delivery.
type Metrics struct {
	mu sync.Mutex

	operationsTotal *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	deliveriesTotal *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

// NewMetrics creates the collectors under namespace (default "workflows").
// A nil registerer uses prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "workflows"
	}

	return &Metrics{
		registerer: registerer,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operations_total",
			Help:      "Total number of transport operations by operation and result",
		}, []string{"operation", "result"}),
		operationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "operation_duration_seconds",
			Help:      "Duration of transport operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "deliveries_total",
			Help:      "Total number of messages delivered to subscription callbacks by result",
		}, []string{"kind", "result"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []prometheus.Collector{m.operationsTotal, m.operationTime, m.deliveriesTotal} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// Wrap registers the collectors on first use.
func (m *Metrics) Wrap(next transport.Transport) transport.Transport {
	_ = m.Register()
	return &metricsTransport{Base: Base{Next: next}, metrics: m}
}

func (m *Metrics) observe(op string, started time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operationsTotal.WithLabelValues(op, result).Inc()
	m.operationTime.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

type metricsTransport struct {
	Base
	metrics *Metrics
}

func (t *metricsTransport) Connect(ctx context.Context) bool {
	started := time.Now()
	ok := t.Next.Connect(ctx)
	var err error
	if !ok {
		err = transport.NotConnected("connect")
	}
	t.metrics.observe("connect", started, err)
	return ok
}

func (t *metricsTransport) Disconnect() error {
	started := time.Now()
	err := t.Next.Disconnect()
	t.metrics.observe("disconnect", started, err)
	return err
}

func (t *metricsTransport) Send(destination string, message any, opts ...transport.SendOption) error {
	started := time.Now()
	err := t.Next.Send(destination, message, opts...)
	t.metrics.observe("send", started, err)
	return err
}

func (t *metricsTransport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	started := time.Now()
	err := t.Next.Broadcast(destination, message, opts...)
	t.metrics.observe("broadcast", started, err)
	return err
}

func (t *metricsTransport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	started := time.Now()
	id, err := t.Next.Subscribe(channel, t.deliveries(transport.KindPersistent, callback), opts...)
	t.metrics.observe("subscribe", started, err)
	return id, err
}

func (t *metricsTransport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	started := time.Now()
	id, err := t.Next.SubscribeBroadcast(channel, t.deliveries(transport.KindBroadcast, callback), opts...)
	t.metrics.observe("subscribe_broadcast", started, err)
	return id, err
}

func (t *metricsTransport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	started := time.Now()
	sub, err := t.Next.SubscribeTemporary(channelHint, t.deliveries(transport.KindTemporary, callback), opts...)
	t.metrics.observe("subscribe_temporary", started, err)
	return sub, err
}

func (t *metricsTransport) Unsubscribe(id int) error {
	started := time.Now()
	err := t.Next.Unsubscribe(id)
	t.metrics.observe("unsubscribe", started, err)
	return err
}

func (t *metricsTransport) TransactionBegin() (transport.TransactionID, error) {
	started := time.Now()
	id, err := t.Next.TransactionBegin()
	t.metrics.observe("transaction_begin", started, err)
	return id, err
}

func (t *metricsTransport) TransactionAbort(id transport.TransactionID) error {
	started := time.Now()
	err := t.Next.TransactionAbort(id)
	t.metrics.observe("transaction_abort", started, err)
	return err
}

func (t *metricsTransport) TransactionCommit(id transport.TransactionID) error {
	started := time.Now()
	err := t.Next.TransactionCommit(id)
	t.metrics.observe("transaction_commit", started, err)
	return err
}

func (t *metricsTransport) Ack(messageID string, txn transport.TransactionID) error {
	started := time.Now()
	err := t.Next.Ack(messageID, txn)
	t.metrics.observe("ack", started, err)
	return err
}

func (t *metricsTransport) Nack(messageID string, txn transport.TransactionID) error {
	started := time.Now()
	err := t.Next.Nack(messageID, txn)
	t.metrics.observe("nack", started, err)
	return err
}

func (t *metricsTransport) deliveries(kind transport.SubscriptionKind, callback transport.Callback) transport.Callback {
	return wrapCallback(callback, func(header transport.Header, message any) error {
		err := callback.Deliver(header, message)
		result := "success"
		if err != nil {
			result = "error"
		}
		t.metrics.deliveriesTotal.WithLabelValues(kind.String(), result).Inc()
		return err
	})
}
