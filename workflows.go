package workflows

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/workflows/internal/config"
	errspkg "github.com/drblury/workflows/internal/errors"
	"github.com/drblury/workflows/internal/jsoncodec"
	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/internal/runtime"
	"github.com/drblury/workflows/transport"
	"github.com/drblury/workflows/transport/convert"
	"github.com/drblury/workflows/transport/middleware"
	"github.com/drblury/workflows/transport/pubsub"
	"github.com/drblury/workflows/transport/queue"
	"github.com/drblury/workflows/transport/transports"
)

type (
	Config       = config.Config
	Dependencies = runtime.Dependencies

	Transport             = transport.Transport
	Header                = transport.Header
	Callback              = transport.Callback
	CallbackFunc          = transport.CallbackFunc
	TransactionID         = transport.TransactionID
	TemporarySubscription = transport.TemporarySubscription
	Capabilities          = transport.Capabilities
	SendOption            = transport.SendOption
	SubscribeOption       = transport.SubscribeOption

	ConnectionError          = transport.ConnectionError
	ConversionError          = transport.ConversionError
	ConfigurationError       = transport.ConfigurationError
	UnknownSubscriptionError = transport.UnknownSubscriptionError
	TransactionError         = transport.TransactionError
	ConfigValidationError    = errspkg.ConfigValidationError

	Middleware = middleware.Middleware
	Converter  = convert.Converter

	Registry = pubsub.Registry
	Builder  = pubsub.Builder
	Pair     = pubsub.Pair

	Envelope = queue.Envelope
	Queue    = queue.Queue
	Replayer = queue.Replayer

	// QueueFunc adapts a function, such as a queue transport's Dispatch, to a Queue.
	QueueFunc = queue.Func

	LogFields     = logging.LogFields
	ServiceLogger = logging.ServiceLogger

	TransportInfo = runtime.TransportInfo
)

var (
	NewTransport       = runtime.NewTransport
	DefaultMiddlewares = runtime.DefaultMiddlewares
	ValidateConfig     = config.ValidateConfig

	// NewRegistry returns a registry holding every built-in pub/sub backend.
	NewRegistry = transports.NewRegistry

	Func            = transport.Func
	WithHeaders     = transport.WithHeaders
	InTransaction   = transport.InTransaction
	WithDelay       = transport.WithDelay
	Acknowledgement = transport.Acknowledgement
	Exclusive       = transport.Exclusive
	Retroactive     = transport.Retroactive
	Priority        = transport.Priority
	Selector        = transport.Selector
	IsPermanent     = transport.IsPermanent
	CapabilitiesOf  = transport.CapabilitiesOf

	Chain = middleware.Chain

	NewQueueTransport = queue.New
	WithQueue         = queue.WithQueue
	NewChannelQueue   = queue.NewChannelQueue
	NewPublisherQueue = queue.NewPublisherQueue
	NewReplayer       = queue.NewReplayer
	Consume           = queue.Consume
	ProcessEnvelopes  = queue.Process

	NewSlogServiceLogger      = logging.NewSlogServiceLogger
	NewWatermillServiceLogger = logging.NewWatermillServiceLogger
	NewWatermillAdapter       = logging.NewWatermillAdapter

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrNotConnected   = transport.ErrNotConnected
	ErrUnsupported    = transport.ErrUnsupported
	ErrConfigRequired = errspkg.ErrConfigRequired
	ErrLoggerRequired = errspkg.ErrLoggerRequired
	ErrUnknownBackend = errspkg.ErrUnknownBackend
	ErrConnectFailed  = errspkg.ErrConnectFailed
)

// Handle registers a callback whose message parameter has type T.
func Handle[T any](fn func(header Header, message T) error) Callback {
	return transport.Handle(fn)
}

// NewEntryServiceLogger wraps an entry-style logger such as *logrus.Entry.
func NewEntryServiceLogger[T logging.EntryLogger[T]](entry T) ServiceLogger {
	return logging.NewEntryServiceLogger(entry)
}

// IntrospectionHandler serves the transport description and, when gatherer
// is non-nil, its Prometheus metrics.
func IntrospectionHandler(conf *Config, tr Transport, gatherer prometheus.Gatherer, log ServiceLogger) http.Handler {
	return runtime.Handler(conf, tr, gatherer, log)
}
