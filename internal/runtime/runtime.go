package runtime

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/workflows/internal/config"
	"github.com/drblury/workflows/internal/errors"
	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
	"github.com/drblury/workflows/transport/convert"
	"github.com/drblury/workflows/transport/middleware"
	"github.com/drblury/workflows/transport/pubsub"
	"github.com/drblury/workflows/transport/queue"
	"github.com/drblury/workflows/transport/transports"
)

// Dependencies holds the optional collaborators used by NewTransport.
// Leave fields nil to use the defaults.
type Dependencies struct {
	// Registry resolves pub/sub backends. Defaults to every built-in backend.
	Registry *pubsub.Registry
	// Queue receives the envelopes of the queue backend. Defaults to a
	// ChannelQueue sized by the configuration.
	Queue queue.Queue

	Middlewares               []middleware.Middleware // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                    // Skips the default middleware chain when true.

	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	Converter      convert.Converter
	RetryIf        func(error) bool

	// SkipConnect returns the transport disconnected.
	SkipConnect bool
}

// NewTransport builds the backend selected by conf, wraps it in the
// middleware chain and connects it with ctx.
func NewTransport(ctx context.Context, conf *config.Config, log logging.ServiceLogger, deps Dependencies) (transport.Transport, error) {
	if conf == nil {
		return nil, errors.ErrConfigRequired
	}
	if log == nil {
		return nil, errors.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errors.NewConfigValidationError(err)
	}

	backendName := conf.GetBackend()
	log.Info("Creating transport", logging.LogFields{
		"backend": backendName,
		"config":  conf.String(),
	})

	backend, err := newBackend(conf, log, deps)
	if err != nil {
		return nil, err
	}

	var mws []middleware.Middleware
	if !deps.DisableDefaultMiddlewares {
		mws = DefaultMiddlewares(conf, log, deps)
	}
	mws = append(mws, deps.Middlewares...)

	chained, err := middleware.Chain(backend, mws...)
	if err != nil {
		return nil, err
	}

	if deps.SkipConnect {
		return chained, nil
	}
	if !chained.Connect(ctx) {
		return nil, fmt.Errorf("%w: backend %q", errors.ErrConnectFailed, backendName)
	}
	return chained, nil
}

func newBackend(conf *config.Config, log logging.ServiceLogger, deps Dependencies) (transport.Transport, error) {
	if conf.GetBackend() == config.BackendQueue {
		q := deps.Queue
		if q == nil {
			q = queue.NewChannelQueue(conf.GetQueueSize())
		}
		return queue.New(
			queue.WithQueue(q),
			queue.WithLogger(log),
			queue.WithTemporaryPrefix(conf.GetTemporaryPrefix()),
		), nil
	}

	reg := deps.Registry
	if reg == nil {
		reg = transports.NewRegistry()
	}
	return reg.NewTransport(conf, log)
}

// DefaultMiddlewares returns the standard middleware chain, outermost first:
// logging, metrics (when enabled), tracing (when enabled), retry (when
// RetryMaxRetries > 0) and converting, which stays next to the backend so
// every other middleware sees domain values.
func DefaultMiddlewares(conf *config.Config, log logging.ServiceLogger, deps Dependencies) []middleware.Middleware {
	mws := []middleware.Middleware{middleware.NewLogging(log)}

	if conf.MetricsEnabled {
		mws = append(mws, middleware.NewMetrics(deps.Registerer, conf.MetricsNamespace))
	}
	if conf.TracingEnabled {
		mws = append(mws, middleware.NewTracing(middleware.WithTracerProvider(deps.TracerProvider)))
	}
	if conf.RetryMaxRetries > 0 {
		mws = append(mws, middleware.NewRetry(middleware.RetryConfig{
			MaxRetries:      conf.RetryMaxRetries,
			InitialInterval: conf.RetryInitialInterval,
			MaxInterval:     conf.RetryMaxInterval,
			RetryIf:         deps.RetryIf,
			Logger:          log,
		}))
	}

	return append(mws, middleware.NewConverting(middleware.WithConverter(deps.Converter)))
}
