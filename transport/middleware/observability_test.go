package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	base    logging.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (r *recordingLogger) add(level, msg string, err error, fields logging.LogFields) {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := logging.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	*r.entries = append(*r.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (r *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := logging.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, base: merged}
}

func (r *recordingLogger) Debug(msg string, fields logging.LogFields) { r.add("debug", msg, nil, fields) }
func (r *recordingLogger) Info(msg string, fields logging.LogFields)  { r.add("info", msg, nil, fields) }
func (r *recordingLogger) Trace(msg string, fields logging.LogFields) { r.add("trace", msg, nil, fields) }
func (r *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	r.add("error", msg, err, fields)
}

func (r *recordingLogger) byLevel(level string) []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []logEntry
	for _, e := range *r.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

func TestLoggingRecordsOperationsAndFailures(t *testing.T) {
	backend := newRecorder()
	log := newRecordingLogger()
	chained, err := Chain(backend, NewLogging(log))
	require.NoError(t, err)

	require.True(t, chained.Connect(context.Background()))
	require.NoError(t, chained.Send("q", "m"))

	boom := errors.New("boom")
	backend.failWith("broadcast", boom)
	assert.ErrorIs(t, chained.Broadcast("b", "m"), boom)

	infos := log.byLevel("info")
	require.Len(t, infos, 1)
	assert.Equal(t, "transport connected", infos[0].msg)
	assert.Equal(t, "transport", infos[0].fields["component"])

	debugs := log.byLevel("debug")
	require.Len(t, debugs, 1)
	assert.Equal(t, "send", debugs[0].fields["operation"])
	assert.Equal(t, "q", debugs[0].fields["destination"])

	errs := log.byLevel("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "broadcast", errs[0].fields["operation"])
	assert.ErrorIs(t, errs[0].err, boom)
}

func TestLoggingRecordsDeliveryFailures(t *testing.T) {
	backend := newRecorder()
	log := newRecordingLogger()
	chained, err := Chain(backend, NewLogging(log))
	require.NoError(t, err)

	boom := errors.New("boom")
	id, err := chained.Subscribe("q", transport.CallbackFunc(func(transport.Header, any) error { return boom }))
	require.NoError(t, err)

	assert.ErrorIs(t, backend.deliver(id, transport.Header{transport.HeaderMessageID: "m-1"}, "x"), boom)
	errs := log.byLevel("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "message delivery failed", errs[0].msg)
	assert.Equal(t, "m-1", errs[0].fields["message_id"])
}

func TestLoggingConnectFailure(t *testing.T) {
	backend := newRecorder()
	backend.failWith("connect", errors.New("down"))
	log := newRecordingLogger()
	chained, err := Chain(backend, NewLogging(log))
	require.NoError(t, err)

	assert.False(t, chained.Connect(context.Background()))
	require.Len(t, log.byLevel("error"), 1)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestMetricsCountsOperationsAndDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	backend := newRecorder()
	chained, err := Chain(backend, m)
	require.NoError(t, err)

	require.NoError(t, chained.Send("q", 1))
	require.NoError(t, chained.Send("q", 2))
	backend.failWith("send", errors.New("boom"))
	require.Error(t, chained.Send("q", 3))

	id, err := chained.SubscribeBroadcast("b", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, backend.deliver(id, nil, "x"))

	assert.Equal(t, 2.0, counterValue(t, reg, "test_transport_operations_total", map[string]string{"operation": "send", "result": "success"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_transport_operations_total", map[string]string{"operation": "send", "result": "error"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "test_transport_deliveries_total", map[string]string{"kind": "broadcast", "result": "success"}))
}

func TestMetricsToleratesDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, NewMetrics(reg, "dup").Register())
	assert.NoError(t, NewMetrics(reg, "dup").Register())
}

type recordingTracer struct {
	noop.Tracer
	provider *recordingProvider
}

func (r recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.provider.mu.Lock()
	r.provider.spans = append(r.provider.spans, name)
	r.provider.mu.Unlock()
	return r.Tracer.Start(ctx, name, opts...)
}

type recordingProvider struct {
	noop.TracerProvider
	mu    sync.Mutex
	spans []string
}

func (p *recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return recordingTracer{provider: p}
}

func TestTracingOpensSpans(t *testing.T) {
	provider := &recordingProvider{}
	backend := newRecorder()
	chained, err := Chain(backend, NewTracing(WithTracerProvider(provider)))
	require.NoError(t, err)

	require.True(t, chained.Connect(context.Background()))
	require.NoError(t, chained.Send("q", 1))
	id, err := chained.Subscribe("q", transport.CallbackFunc(func(transport.Header, any) error { return nil }))
	require.NoError(t, err)
	require.NoError(t, backend.deliver(id, nil, 1))
	require.NoError(t, chained.TransactionCommit("tx"))

	assert.Equal(t, []string{
		"transport.connect",
		"transport.send",
		"transport.subscribe",
		"transport.deliver",
		"transport.transaction_commit",
	}, provider.spans)
}

func TestTracingReturnsErrors(t *testing.T) {
	backend := newRecorder()
	chained, err := Chain(backend, NewTracing())
	require.NoError(t, err)

	boom := errors.New("boom")
	backend.failWith("send", boom)
	assert.ErrorIs(t, chained.Send("q", 1), boom)
}
