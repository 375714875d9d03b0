// Package abort tracks per-session cancellation. The registry deliberately
// supports marking a session aborted before the turn has registered its
// cancel function, so a user's abort request can never lose the race with
// turn startup.
package abort

import (
	"context"
	"sync"
)

type entry struct {
	cancel  context.CancelFunc
	aborted bool
}

// Registry is a process-wide map from session id to abort state. The zero
// value is not usable; construct with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]*entry{}}
}

// Reset ensures an entry exists for the session and clears its aborted flag.
// Called at turn start, before the cancel function is registered.
func (r *Registry) Reset(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{}
		r.entries[sessionID] = e
	}
	e.aborted = false
}

// SetCancel upserts the session's cancel function. If the session was
// already marked aborted (user cancelled before the turn got here), the
// function is invoked immediately.
func (r *Registry) SetCancel(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{}
		r.entries[sessionID] = e
	}
	e.cancel = cancel
	aborted := e.aborted
	r.mu.Unlock()

	if aborted && cancel != nil {
		cancel()
	}
}

// Abort marks the session aborted and signals its cancel function. A missing
// entry is created already-aborted so later IsAborted reads see true.
func (r *Registry) Abort(sessionID string) {
	r.mu.Lock()
	e := r.entries[sessionID]
	if e == nil {
		e = &entry{}
		r.entries[sessionID] = e
	}
	e.aborted = true
	cancel := e.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// IsAborted reports whether the session has been aborted.
func (r *Registry) IsAborted(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[sessionID]
	return e != nil && e.aborted
}

// Clear removes the session's entry.
func (r *Registry) Clear(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, sessionID)
}
