package market

import (
	"sort"
	"sync"
)

// Registry tracks live exchange environments by id. Written from the
// instantiation pipeline, read by the query API.
type Registry struct {
	mu        sync.RWMutex
	exchanges map[string]*Exchange
}

func NewRegistry() *Registry {
	return &Registry{exchanges: make(map[string]*Exchange)}
}

// Register adds an environment.
func (r *Registry) Register(e *Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[e.ID] = e
}

// Remove drops an environment by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exchanges, id)
}

// Get returns an environment by id.
func (r *Registry) Get(id string) (*Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.exchanges[id]
	return e, ok
}

// List snapshots all environments ordered by id.
func (r *Registry) List() []*Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Exchange, 0, len(r.exchanges))
	for _, e := range r.exchanges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of live environments.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.exchanges)
}
