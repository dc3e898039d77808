package device

import (
	"fmt"
	"sync"
)

// Registry maps stable device ids to handles and remembers registration
// order, which is the order device state is saved and restored in.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) Register(id string, dev Device) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; ok {
		return nil, fmt.Errorf("%q: %w", id, ErrDuplicateDevice)
	}

	h := NewHandle(id, dev)
	r.handles[id] = h
	r.order = append(r.order, id)

	return h, nil
}

func (r *Registry) Unregister(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrDeviceNotFound)
	}

	delete(r.handles, id)

	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)

			break
		}
	}

	return h, nil
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]

	return h, ok
}

// Handles returns the registered handles in registration order.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		hs = append(hs, r.handles[id])
	}

	return hs
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}
