package provider

import (
	"fmt"
	"sync"
)

// Registry holds the configured providers in priority order: the position a
// provider was registered at is its routing priority. Replace allows the hot
// reload path to swap the whole set atomically.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	byName map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Provider),
	}
}

// Register appends a provider at the lowest priority. Names are unique.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.order = append(r.order, name)
	r.byName[name] = p
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

// List returns the providers in priority order. The returned slice is a
// snapshot; later Replace calls do not affect it.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the provider names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Replace swaps the registered set, preserving the given order. Used by the
// providers-file watcher; in-flight requests keep the snapshot they selected
// from.
func (r *Registry) Replace(providers []Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = r.order[:0]
	r.byName = make(map[string]Provider, len(providers))
	for _, p := range providers {
		name := p.Name()
		if _, exists := r.byName[name]; exists {
			continue
		}
		r.order = append(r.order, name)
		r.byName[name] = p
	}
}
