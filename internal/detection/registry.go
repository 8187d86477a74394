package detection

import (
	"context"
	"fmt"
	"sync"
)

// Registry manages available backends
type Registry struct {
	backends map[string]Backend
	order    []string
	mu       sync.RWMutex
}

// NewRegistry creates a new backend registry
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Backend),
	}
}

// Register adds a backend. Registration order is the preference order.
func (r *Registry) Register(backend Backend) error {
	if backend == nil {
		return fmt.Errorf("backend cannot be nil")
	}

	name := backend.Name()
	if name == "" {
		return fmt.Errorf("backend name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[name]; exists {
		return fmt.Errorf("backend %q already registered", name)
	}

	r.backends[name] = backend
	r.order = append(r.order, name)
	return nil
}

// Get returns a backend by name
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names returns backend names in preference order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Select returns the first healthy backend in preference order
func (r *Registry) Select(ctx context.Context) (Backend, bool) {
	r.mu.RLock()
	candidates := make([]Backend, 0, len(r.order))
	for _, name := range r.order {
		candidates = append(candidates, r.backends[name])
	}
	r.mu.RUnlock()

	for _, b := range candidates {
		if b.IsHealthy(ctx) {
			return b, true
		}
	}
	return nil, false
}

// Close releases all backend resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, name := range r.order {
		if err := r.backends[name].Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing backend %q: %w", name, err)
		}
		delete(r.backends, name)
	}
	r.order = nil
	return firstErr
}
