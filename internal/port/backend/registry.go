package backend

import (
	"fmt"
	"slices"
	"sync"
)

// Factory is a constructor function that creates a new Backend instance.
type Factory func(opts Options) (Backend, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register makes a backend factory available by name.
// Adapters expose a Register function that main calls at startup.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("backend: duplicate registration for %q", name))
	}
	factories[name] = factory
}

// New creates a new Backend by name using the registered factory.
func New(name string, opts Options) (Backend, error) {
	mu.RLock()
	factory, ok := factories[name]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("backend: unknown provider %q (available: %v)", name, Available())
	}
	return factory(opts)
}

// Available returns the sorted names of all registered backends.
func Available() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
