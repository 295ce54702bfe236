package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrEngineNotFound is returned when no engine is registered under a name.
	ErrEngineNotFound = errors.New("engine not found")

	// ErrEngineAlreadyExists is returned when a name is already bound.
	ErrEngineAlreadyExists = errors.New("engine already exists")
)

// Registry maps engine names to engines. A name is bound at most once and
// stays bound for the life of the process.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// Register binds e under e.Name(). The first registration for a name wins;
// later ones fail with ErrEngineAlreadyExists.
func (r *Registry) Register(e Engine) error {
	name := e.Name()
	if name == "" {
		return fmt.Errorf("register engine: empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.engines[name]; ok {
		return fmt.Errorf("%w: %q", ErrEngineAlreadyExists, name)
	}
	r.engines[name] = e
	return nil
}

// FindByName returns the engine registered under name.
func (r *Registry) FindByName(name string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrEngineNotFound, name)
	}
	return e, nil
}

// Names returns the registered engine names, sorted for a stable API response.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
