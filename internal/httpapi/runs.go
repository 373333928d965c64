package httpapi

import (
	"context"
	"sync"
)

// runRegistry tracks in-flight pipeline runs so the abort endpoint can
// cancel them. One active run per deployment ID.
type runRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{cancels: make(map[string]context.CancelFunc)}
}

// claim registers a cancel func for the deployment. Returns false when a
// run is already active.
func (r *runRegistry) claim(id string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.cancels[id]; busy {
		return false
	}
	r.cancels[id] = cancel
	return true
}

// release drops the registration after the run ends.
func (r *runRegistry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

// abort cancels the active run if one exists.
func (r *runRegistry) abort(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

// active reports whether a run is in flight.
func (r *runRegistry) active(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[id]
	return ok
}
