// Package workflows is the transport layer of a message-passing workflow
// framework. Services exchange messages through a Transport that hides the
// messaging backend: they send to queues, broadcast to topics, subscribe with
// callbacks, group sends and acknowledgements in transactions and open
// temporary reply channels.
//
// NewTransport reads the backend from Config and wraps it in the default
// middleware chain. Two families of backends exist:
//
//   - queue: every operation is encoded as an Envelope and put on a Queue.
//     The process on the other side replays the envelopes against a real
//     transport with a Replayer and returns deliveries the same way.
//   - pub/sub: a Watermill publisher and subscriber pair built on Connect.
//     The bundled backends are channel (in-memory), kafka, rabbitmq, nats,
//     nats-jetstream, http, io (append-only file) and aws (SNS/SQS).
//
// # Middleware
//
// The default chain logs every operation, records Prometheus metrics and
// OpenTelemetry spans when enabled, retries transient failures with
// exponential backoff and converts messages between domain values (structs
// and protobuf messages) and the wire form (map[string]any). Callbacks
// registered with Handle receive their declared type. Custom middleware can
// be appended via Dependencies.Middlewares.
//
// # Errors
//
// Operations on a disconnected transport return a *ConnectionError.
// Conversion failures, malformed callbacks, unknown subscriptions and
// invalid transactions have their own error types; IsPermanent reports the
// ones a retry cannot fix.
package workflows
