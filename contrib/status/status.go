// Package status keeps track of the services announcing themselves on a
// broadcast status channel.
//
// Services periodically broadcast a Status with Announce. A Monitor listens
// on the same channel, keeps the most recent status of every host and drops
// hosts that have been silent for longer than the configured maximum age.
package status

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
	"github.com/drblury/workflows/transport/convert"
)

const (
	// DefaultChannel is the broadcast channel used by Monitor and Announce.
	DefaultChannel = "transient.status.demo"

	// DefaultMaxAge is how long a host may stay silent before Prune drops it.
	DefaultMaxAge = 90 * time.Second

	// DefaultCurrentAge is how recent a status must be to count as current.
	DefaultCurrentAge = 10 * time.Second
)

// ErrConnect is returned by Start when the transport cannot connect.
var ErrConnect = errors.New("workflows: status monitor could not connect to transport")

// Status is the message broadcast by a service.
type Status struct {
	Host    string `json:"host"`
	Service string `json:"service"`
	Status  any    `json:"status"`
}

// Node is the last status seen from one host.
type Node struct {
	Status
	LastSeen time.Time
	Age      time.Duration
	// Current is set when the status is more recent than the monitor's
	// current age.
	Current bool
}

// Feed receives every status message before it is recorded.
type Feed func(header transport.Header, status Status)

// Option customises a Monitor.
type Option func(*Monitor)

// WithChannel overrides the broadcast channel.
func WithChannel(channel string) Option {
	return func(m *Monitor) {
		if channel != "" {
			m.channel = channel
		}
	}
}

// WithFeed installs fn as the message feed.
func WithFeed(fn Feed) Option {
	return func(m *Monitor) { m.feed = fn }
}

// WithMaxAge overrides DefaultMaxAge.
func WithMaxAge(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger used for rejected messages.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(m *Monitor) { m.logger = logging.OrNop(logger) }
}

// Monitor records the latest status of every host.
type Monitor struct {
	tr      transport.Transport
	channel string
	feed    Feed
	maxAge  time.Duration
	now     func() time.Time
	logger  logging.ServiceLogger

	mu    sync.RWMutex
	nodes map[string]Node

	lifecycle sync.Mutex
	subID     int
	active    bool
}

// NewMonitor returns a monitor for tr. Call Start to begin listening.
func NewMonitor(tr transport.Transport, opts ...Option) *Monitor {
	m := &Monitor{
		tr:      tr,
		channel: DefaultChannel,
		maxAge:  DefaultMaxAge,
		now:     time.Now,
		logger:  logging.Nop(),
		nodes:   make(map[string]Node),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Channel returns the broadcast channel the monitor listens on.
func (m *Monitor) Channel() string { return m.channel }

// Start connects the transport when needed and subscribes to the status
// channel, asking for the last broadcast status where the backend keeps one.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.active {
		return nil
	}

	if !m.tr.IsConnected() && !m.tr.Connect(ctx) {
		return ErrConnect
	}

	id, err := m.tr.SubscribeBroadcast(m.channel, &statusCallback{monitor: m}, transport.Retroactive())
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", m.channel, err)
	}
	m.subID = id
	m.active = true
	return nil
}

// Stop unsubscribes from the status channel. The transport stays connected.
func (m *Monitor) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if !m.active {
		return nil
	}
	m.active = false
	return m.tr.Unsubscribe(m.subID)
}

// Update records status when it is at least as recent as the status already
// known for its host. The header must carry the sender's timestamp in unix
// milliseconds.
func (m *Monitor) Update(header transport.Header, status Status) error {
	if m.feed != nil {
		m.feed(header, status)
	}

	if status.Host == "" {
		return &transport.ConversionError{Type: "status.Status", Field: "host", Err: errors.New("host is required")}
	}
	millis, ok := header.Int64(transport.HeaderTimestamp)
	if !ok {
		return &transport.ConversionError{Type: "status.Status", Field: transport.HeaderTimestamp, Err: errors.New("timestamp header is required")}
	}
	seen := time.UnixMilli(millis)

	m.mu.Lock()
	defer m.mu.Unlock()
	if known, ok := m.nodes[status.Host]; ok && seen.Before(known.LastSeen) {
		return nil
	}
	m.nodes[status.Host] = Node{Status: status, LastSeen: seen}
	return nil
}

// Snapshot returns the known hosts sorted by name, with ages computed
// against the monitor's clock.
func (m *Monitor) Snapshot() []Node {
	now := m.now()

	m.mu.RLock()
	nodes := make([]Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		node.Age = now.Sub(node.LastSeen)
		node.Current = node.Age < DefaultCurrentAge
		nodes = append(nodes, node)
	}
	m.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Host < nodes[j].Host })
	return nodes
}

// Prune forgets hosts silent for longer than the maximum age and returns
// their names in sorted order.
func (m *Monitor) Prune() []string {
	now := m.now()

	m.mu.Lock()
	var removed []string
	for host, node := range m.nodes {
		if now.Sub(node.LastSeen) > m.maxAge {
			delete(m.nodes, host)
			removed = append(removed, host)
		}
	}
	m.mu.Unlock()

	sort.Strings(removed)
	return removed
}

// Announce broadcasts status on channel stamped with now.
func Announce(tr transport.Transport, channel string, status Status, now time.Time) error {
	if channel == "" {
		channel = DefaultChannel
	}
	return tr.Broadcast(channel, status, transport.WithHeaders(transport.Header{
		transport.HeaderTimestamp: now.UnixMilli(),
	}))
}

var statusType = reflect.TypeOf(Status{})

// statusCallback declares Status as its message type so converting
// middlewares decode it, and decodes wire-form messages itself when the
// transport has no converting middleware.
type statusCallback struct {
	monitor *Monitor
}

func (c *statusCallback) MessageType() (reflect.Type, error) { return statusType, nil }

func (c *statusCallback) Name() string { return "status.Monitor" }

func (c *statusCallback) Deliver(header transport.Header, message any) error {
	var status Status
	switch msg := message.(type) {
	case Status:
		status = msg
	case *Status:
		if msg != nil {
			status = *msg
		}
	default:
		wire, ok := convert.AsWire(message)
		if !ok {
			return &transport.ConversionError{Type: "status.Status", Err: fmt.Errorf("unexpected message %T", message)}
		}
		decoded, err := convert.Default().Deserialize(wire, statusType)
		if err != nil {
			return err
		}
		status = decoded.(Status)
	}

	if err := c.monitor.Update(header, status); err != nil {
		c.monitor.logger.Error("Rejected status message", err, logging.LogFields{"channel": c.monitor.channel})
		return err
	}
	return nil
}
