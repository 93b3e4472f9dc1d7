// Package plugin defines the service-adapter lifecycle contract (C3) and
// the registry that fans store events out to every registered adapter
// (C4). Every managed service (authoritative DNS, DHCP, DNS filter, PDP
// client, security auditor) implements Adapter.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/nnoe-agent/pkg/log"
)

// Adapter is the uniform lifecycle a service plugin must implement. All
// operations are logically asynchronous; the Registry serializes calls on
// a given adapter, but calls on different adapters may interleave.
type Adapter interface {
	// Name is the stable identifier used as the registry key.
	Name() string

	// Init is called once by the orchestrator. It may read the
	// filesystem and generate the first artifact set, but must not
	// block on external liveness.
	Init(ctx context.Context, config []byte) error

	// OnConfigChange is called with every PUT the registry routes to
	// this adapter. It must be idempotent on identical inputs.
	OnConfigChange(ctx context.Context, key string, value []byte) error

	// Reload forces re-materialization of the adapter's artifacts and a
	// reload of the managed service.
	Reload(ctx context.Context) error

	// Shutdown releases resources. It does not necessarily stop the
	// external process the adapter manages.
	Shutdown(ctx context.Context) error

	// HealthCheck is a non-throwing liveness probe for the external
	// process. A false return, not an error, is how "unhealthy" is
	// reported; HealthCheck only errors when the probe itself could not
	// run.
	HealthCheck(ctx context.Context) (bool, error)
}

// Registry maintains the name -> adapter mapping (C4). Register rejects
// duplicate names. Fan-out methods catch and log per-adapter failures so
// one bad adapter cannot starve the others (registry isolation, spec §8
// property 6).
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // registration order, for deterministic fan-out
	locks    map[string]*sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Register adds adapter, keyed by its Name(). It returns an error if the
// name is already registered.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("plugin registry: adapter %q already registered", name)
	}

	r.adapters[name] = a
	r.order = append(r.order, name)
	r.locks[name] = &sync.Mutex{}

	log.WithComponent("registry").Info().Str("adapter", name).Msg("adapter registered")
	return nil
}

// Get returns the adapter registered under name, if any.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// names returns the registered adapter names in registration order.
func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// adapterAndLock returns the adapter and its per-adapter exclusive lock.
func (r *Registry) adapterAndLock(name string) (Adapter, *sync.Mutex, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, nil, false
	}
	return a, r.locks[name], true
}

// NotifyConfigChange calls OnConfigChange on every registered adapter, one
// at a time in registration order. The per-adapter lock serializes calls on
// the same adapter across concurrent callers; calls from different callers
// on different adapters may interleave. A failing or panicking adapter is
// logged and skipped; it never blocks its peers.
func (r *Registry) NotifyConfigChange(ctx context.Context, key string, value []byte) {
	logger := log.WithComponent("registry")
	for _, name := range r.names() {
		a, lock, ok := r.adapterAndLock(name)
		if !ok {
			continue
		}
		func() {
			lock.Lock()
			defer lock.Unlock()
			defer func() {
				if p := recover(); p != nil {
					logger.Error().Str("adapter", name).Str("key", key).Interface("panic", p).Msg("adapter panicked handling config change")
				}
			}()
			if err := a.OnConfigChange(ctx, key, value); err != nil {
				logger.Error().Str("adapter", name).Str("key", key).Err(err).Msg("adapter failed to handle config change")
			}
		}()
	}
}

// ReloadAll calls Reload on every registered adapter, tolerating and
// logging individual failures.
func (r *Registry) ReloadAll(ctx context.Context) {
	logger := log.WithComponent("registry")
	for _, name := range r.names() {
		a, lock, ok := r.adapterAndLock(name)
		if !ok {
			continue
		}
		func() {
			lock.Lock()
			defer lock.Unlock()
			if err := a.Reload(ctx); err != nil {
				logger.Error().Str("adapter", name).Err(err).Msg("adapter failed to reload")
			}
		}()
	}
}

// HealthCheckAll returns the health of every registered adapter. A probe
// error is reported as unhealthy rather than failing the batch.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	logger := log.WithComponent("registry")
	out := make(map[string]bool)
	for _, name := range r.names() {
		a, lock, ok := r.adapterAndLock(name)
		if !ok {
			continue
		}
		healthy := func() bool {
			lock.Lock()
			defer lock.Unlock()
			h, err := a.HealthCheck(ctx)
			if err != nil {
				logger.Warn().Str("adapter", name).Err(err).Msg("health check failed")
				return false
			}
			return h
		}()
		out[name] = healthy
	}
	return out
}

// ShutdownAll calls Shutdown on every registered adapter, in registration
// order, logging a final line per adapter.
func (r *Registry) ShutdownAll(ctx context.Context) {
	logger := log.WithComponent("registry")
	for _, name := range r.names() {
		a, lock, ok := r.adapterAndLock(name)
		if !ok {
			continue
		}
		func() {
			lock.Lock()
			defer lock.Unlock()
			err := a.Shutdown(ctx)
			logger.Info().Str("adapter", name).Err(err).Msg("adapter shut down")
		}()
	}
}
