// Package registry tracks running monitoring sessions and enforces the global session cap.
package registry

import (
	"context"
	"sync"

	"pagewatch/pkg/watch"
)

type entry struct {
	cancel  context.CancelFunc
	session watch.Session // Registry view; LastSnapshot is never tracked here
}

// Registry is the single ownership point for cross-session state.
// All mutations happen under one mutex so concurrent activations and
// removals from different polling goroutines never break the cap.
type Registry struct {
	entries map[string]*entry // id -> entry
	owners  map[string]string // owner -> id
	limit   int
	mu      sync.Mutex
}

// New creates a registry that admits at most limit sessions.
func New(limit int) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		owners:  make(map[string]string),
		limit:   limit,
	}
}

// TryActivate registers s as active if a slot is free and its owner has no
// other registered session. The cancel func is the handle used to interrupt
// the session's polling goroutine. Overflow is rejected, never queued.
func (r *Registry) TryActivate(s *watch.Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.owners[s.Owner]; ok {
		return &watch.DuplicateOwnerError{Owner: s.Owner, SessionID: id}
	}
	// Slots are held until Remove, including while stopping or delivering the terminal event.
	if len(r.entries) >= r.limit {
		return &watch.CapacityError{Limit: r.limit}
	}

	s.State = watch.StateActive
	view := *s
	view.LastSnapshot = nil
	view.Selectors = append([]string(nil), s.Selectors...)
	r.entries[s.ID] = &entry{session: view, cancel: cancel}
	r.owners[s.Owner] = s.ID
	return nil
}

// Get returns the registered session for owner.
func (r *Registry) Get(owner string) (watch.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owners[owner]
	if !ok {
		return watch.Session{}, false
	}
	return r.entries[id].session, true
}

// RequestStop marks the owner's active session as stopping and cancels its
// polling goroutine. It is a no-op for sessions already stopping or terminated.
func (r *Registry) RequestStop(owner string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.owners[owner]
	if !ok {
		return "", &watch.NotFoundError{Owner: owner}
	}
	e := r.entries[id]
	if e.session.Terminal() || e.session.State == watch.StateStopping {
		return id, nil
	}
	e.session.State = watch.StateStopping
	if e.cancel != nil {
		e.cancel()
	}
	return id, nil
}

// Stopping reports whether a stop was requested for the session.
func (r *Registry) Stopping(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	return ok && e.session.State == watch.StateStopping
}

// MarkTerminated records the terminal state. The slot stays taken until Remove.
func (r *Registry) MarkTerminated(id string, reason watch.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.session.State = watch.StateTerminated
		e.session.Reason = reason
	}
}

// Remove releases the session's slot. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	delete(r.entries, id)
	if r.owners[e.session.Owner] == id {
		delete(r.owners, e.session.Owner)
	}
}

// Count returns the number of occupied slots.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// List returns copies of all registered sessions.
func (r *Registry) List() []watch.Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]watch.Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.session)
	}
	return out
}
