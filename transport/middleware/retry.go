package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// RetryConfig customises the retry middleware behaviour.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf decides whether an error is worth another attempt. The default
	// retries everything except transport.IsPermanent errors.
	RetryIf func(error) bool
	Logger  logging.ServiceLogger
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = func(err error) bool { return !transport.IsPermanent(err) }
	}
	cfg.Logger = logging.OrNop(cfg.Logger)
	return cfg
}

// Retry re-attempts failed sends, broadcasts, subscriptions and connection
// attempts with exponential backoff. Nothing else is retried: acks and
// transaction control are not idempotent.
type Retry struct {
	cfg RetryConfig
}

// NewRetry returns a retry middleware.
func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{cfg: cfg.withDefaults()}
}

func (r *Retry) Wrap(next transport.Transport) transport.Transport {
	return &retryTransport{Base: Base{Next: next}, cfg: r.cfg}
}

type retryTransport struct {
	Base
	cfg RetryConfig
}

var errConnectFailed = errors.New("workflows: connect attempt failed")

func (r *retryTransport) backOff(ctx context.Context) backoff.BackOff {
	if ctx == nil {
		ctx = context.Background()
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.InitialInterval
	exp.MaxInterval = r.cfg.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.cfg.MaxRetries)), ctx)
}

func (r *retryTransport) do(ctx context.Context, op string, fn func() error) error {
	attempt := func() error {
		err := fn()
		if err != nil && !r.cfg.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.cfg.Logger.Debug("retrying transport operation", logging.LogFields{
			"operation": op,
			"error":     err.Error(),
			"wait":      wait.String(),
		})
	}
	return backoff.RetryNotify(attempt, r.backOff(ctx), notify)
}

func (r *retryTransport) Connect(ctx context.Context) bool {
	err := r.do(ctx, "connect", func() error {
		if r.Next.Connect(ctx) {
			return nil
		}
		return errConnectFailed
	})
	return err == nil
}

func (r *retryTransport) Send(destination string, message any, opts ...transport.SendOption) error {
	return r.do(context.Background(), "send", func() error {
		return r.Next.Send(destination, message, opts...)
	})
}

func (r *retryTransport) Broadcast(destination string, message any, opts ...transport.SendOption) error {
	return r.do(context.Background(), "broadcast", func() error {
		return r.Next.Broadcast(destination, message, opts...)
	})
}

func (r *retryTransport) Subscribe(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	var id int
	err := r.do(context.Background(), "subscribe", func() error {
		var err error
		id, err = r.Next.Subscribe(channel, callback, opts...)
		return err
	})
	return id, err
}

func (r *retryTransport) SubscribeBroadcast(channel string, callback transport.Callback, opts ...transport.SubscribeOption) (int, error) {
	var id int
	err := r.do(context.Background(), "subscribe_broadcast", func() error {
		var err error
		id, err = r.Next.SubscribeBroadcast(channel, callback, opts...)
		return err
	})
	return id, err
}

func (r *retryTransport) SubscribeTemporary(channelHint string, callback transport.Callback, opts ...transport.SubscribeOption) (transport.TemporarySubscription, error) {
	var sub transport.TemporarySubscription
	err := r.do(context.Background(), "subscribe_temporary", func() error {
		var err error
		sub, err = r.Next.SubscribeTemporary(channelHint, callback, opts...)
		return err
	})
	return sub, err
}
