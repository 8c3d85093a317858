// Package providers holds the adapter registry and the built-in provider
// adapter implementations.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/llmrelay/llmrelay/pkg/provider"
)

// Registry maps provider ids to adapters. Adapters are registered once at
// startup and live for the process lifetime; there is no unregister.
// Construct one per relay instead of sharing a package global so tests can
// build isolated sets.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]provider.Adapter
}

// NewRegistry creates a registry with the given adapters pre-registered.
func NewRegistry(adapters ...provider.Adapter) *Registry {
	r := &Registry{adapters: make(map[string]provider.Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

// Register adds an adapter. Registering the same id twice is an error to
// catch misconfigured setups early.
func (r *Registry) Register(a provider.Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := a.ID()
	if _, exists := r.adapters[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.adapters[id] = a
	return nil
}

// Get returns the adapter for an id.
func (r *Registry) Get(id string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Has reports whether an adapter is registered for the id.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[id]
	return ok
}

// List returns all registered adapters ordered by id.
func (r *Registry) List() []provider.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]provider.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns the registered provider ids ordered lexically.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of registered adapters.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
