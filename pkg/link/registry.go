package link

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry holds the active adapters keyed by protocol name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter; names must be unique.
func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("register link: adapter is nil")
	}
	name := strings.TrimSpace(a.Name())
	if name == "" {
		return fmt.Errorf("register link: adapter name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("register link: %s already registered", name)
	}
	r.adapters[name] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered protocol names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}

// All returns adapters ordered by name.
func (r *Registry) All() []Adapter {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		if a, ok := r.adapters[name]; ok {
			out = append(out, a)
		}
	}
	return out
}
