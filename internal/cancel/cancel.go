// Package cancel coordinates best-effort cancellation of in-flight
// executions. The registry is process-local: it only reaches executions
// running in this worker, and its contents are lost on restart.
package cancel

import (
	"context"
	"sync"
)

type entry struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Registry maps process ids to the cancel function of their running
// execution. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register derives a cancellable context for the given process and records
// it. A stale entry for the same id is cancelled and replaced.
func (r *Registry) Register(parent context.Context, processID string) context.Context {
	ctx, cancelFn := context.WithCancel(parent)

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[processID]; ok {
		old.cancel()
	}
	r.entries[processID] = entry{ctx: ctx, cancel: cancelFn}
	return ctx
}

// Cancel flips the signal for the given process. It returns false when no
// execution is registered here, which callers log as a warning rather than
// treat as an error.
func (r *Registry) Cancel(processID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[processID]
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Unregister removes and cancels the entry. It is idempotent and is always
// called via defer when an execution ends.
func (r *Registry) Unregister(processID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[processID]; ok {
		e.cancel()
		delete(r.entries, processID)
	}
}

// Active returns the number of registered executions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
