package transport

import (
	"sort"
	"sync"

	"NutriChat/internal/session"
)

// Registry manages the generator responsible for each message type
type Registry struct {
	generators map[session.MessageType]Generator
	mu         sync.RWMutex
}

// NewRegistry creates a new generator registry
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[session.MessageType]Generator),
	}
}

// Register sets the generator for a message type, replacing any previous one
func (r *Registry) Register(t session.MessageType, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[t] = g
}

// Get retrieves the generator for a message type
func (r *Registry) Get(t session.MessageType) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[t]
	return g, ok
}

// Types returns the registered message types in a stable order
func (r *Registry) Types() []session.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]session.MessageType, 0, len(r.generators))
	for t := range r.generators {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of registered generators
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.generators)
}
