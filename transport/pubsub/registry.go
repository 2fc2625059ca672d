package pubsub

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/workflows/internal/errors"
	"github.com/drblury/workflows/internal/logging"
	"github.com/drblury/workflows/transport"
)

// Registry maintains a mapping of backend names to their builders and
// capabilities. Backend packages expose a Register(*Registry) function that
// is called explicitly at startup.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]transport.Capabilities
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]transport.Capabilities),
	}
}

// Register adds a backend builder and its capabilities. Registering a name
// twice replaces the previous entry.
func (r *Registry) Register(name string, builder Builder, caps transport.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caps.Name == "" {
		caps.Name = name
	}
	r.builders[name] = builder
	r.capabilities[name] = caps
}

// Capabilities returns the capabilities of a registered backend, or a zero
// Capabilities carrying only the name when the backend is unknown.
func (r *Registry) Capabilities(name string) transport.Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return transport.Capabilities{Name: name}
}

// Builder returns the builder registered under name.
func (r *Registry) Builder(name string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

// Build creates the publisher/subscriber pair of the backend named by cfg.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Pair, error) {
	if cfg == nil {
		return Pair{}, errors.ErrConfigRequired
	}
	builder, err := r.lookup(cfg.GetBackend())
	if err != nil {
		return Pair{}, err
	}
	return builder(ctx, cfg, logger)
}

// NewTransport returns a disconnected Transport for the backend named by cfg.
// The builder runs on Connect.
func (r *Registry) NewTransport(cfg Config, logger logging.ServiceLogger) (*Transport, error) {
	if cfg == nil {
		return nil, errors.ErrConfigRequired
	}
	name := cfg.GetBackend()
	builder, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return New(builder, cfg,
		WithCapabilities(r.Capabilities(name)),
		WithLogger(logger),
	), nil
}

func (r *Registry) lookup(name string) (Builder, error) {
	if name == "" {
		return nil, errors.ErrBackendRequired
	}
	builder, ok := r.Builder(name)
	if !ok || builder == nil {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errors.ErrUnknownBackend, name, r.Names())
	}
	return builder, nil
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a backend is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Builder(name)
	return ok
}
