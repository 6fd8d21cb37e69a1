package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Result is the outcome delivered to one pending call.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Registry correlates outbound call ids with their waiting callers. It is the
// only structure shared between callers and the reader loop.
type Registry struct {
	mu      sync.Mutex
	pending map[uint64]chan Result
	closed  error
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[uint64]chan Result)}
}

// Register creates the completion handle for id. It fails if id is already
// pending or the registry has been failed.
func (r *Registry) Register(id uint64) (<-chan Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return nil, r.closed
	}
	if _, ok := r.pending[id]; ok {
		return nil, fmt.Errorf("call id %d already pending", id)
	}
	ch := make(chan Result, 1)
	r.pending[id] = ch
	return ch, nil
}

// Complete fulfils and removes the entry for id. It reports false when no
// such entry exists, e.g. after a timeout already removed it.
func (r *Registry) Complete(id uint64, res Result) bool {
	r.mu.Lock()
	ch, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- res
	return true
}

// Remove drops the entry for id without completing it.
func (r *Registry) Remove(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// FailAll resolves every pending entry with err and rejects any later
// registration with the same error. Only the first call has an effect on
// future registrations. Returns the number of calls failed.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed == nil {
		r.closed = err
	}
	n := len(r.pending)
	for id, ch := range r.pending {
		ch <- Result{Err: err}
		delete(r.pending, id)
	}
	return n
}

// Len reports the number of pending calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
