// Package presence owns the authoritative view of who is online: the
// Registry binding user identifiers to live connection handles, and the
// Broadcaster that turns online/offline transitions into fan-out events.
package presence

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrHandleClosed is returned by Handle.Send when the underlying
	// transport is gone.
	ErrHandleClosed = errors.New("presence: handle closed")

	// ErrBackpressure is returned by Handle.Send when the handle's outbound
	// buffer is full and the event was dropped.
	ErrBackpressure = errors.New("presence: outbound buffer full")
)

// Handle is an opaque reference to one live client connection. Send must not
// block: it enqueues and returns, or fails with ErrHandleClosed or
// ErrBackpressure.
type Handle interface {
	ID() string
	Send(data []byte) error
}

// Binding is one user identifier -> handle association.
type Binding struct {
	UserID string
	Handle Handle
}

// BindResult describes what a Bind changed.
type BindResult struct {
	// Online is true when the user had no binding before this call.
	Online bool
	// Superseded is the user's previous handle, now unaddressable. It is left
	// open. Nil when Online is true or the same handle was rebound.
	Superseded Handle
	// Released is the user previously bound to this handle, if it differed.
	// That user is now offline.
	Released string
}

// Registry is a concurrency-safe, one-to-one mapping between user
// identifiers and connection handles. Every mutation takes the write lock, so
// readers never observe a half-applied Bind or Unbind.
type Registry struct {
	mu       sync.RWMutex
	byUser   map[string]Handle // user_id -> handle
	byHandle map[string]string // handle_id -> user_id
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byUser:   make(map[string]Handle),
		byHandle: make(map[string]string),
	}
}

// Bind registers h as the live connection for userID. A previous binding for
// userID is replaced (last writer wins); a previous user of h is released so
// the mapping stays one-to-one.
func (r *Registry) Bind(userID string, h Handle) BindResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res BindResult

	hid := h.ID()
	if prevUser, ok := r.byHandle[hid]; ok && prevUser != userID {
		if cur, ok := r.byUser[prevUser]; ok && cur.ID() == hid {
			delete(r.byUser, prevUser)
		}
		res.Released = prevUser
	}

	old, existed := r.byUser[userID]
	if existed && old.ID() != hid {
		delete(r.byHandle, old.ID())
		res.Superseded = old
	}
	res.Online = !existed

	r.byUser[userID] = h
	r.byHandle[hid] = userID
	return res
}

// Unbind removes the binding held by h, but only if h is still the current
// handle for its user. It returns the freed user identifier and true, or
// "" and false when there was nothing to remove.
func (r *Registry) Unbind(h Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hid := h.ID()
	userID, ok := r.byHandle[hid]
	if !ok {
		return "", false
	}
	delete(r.byHandle, hid)

	cur, ok := r.byUser[userID]
	if !ok || cur.ID() != hid {
		return "", false
	}
	delete(r.byUser, userID)
	return userID, true
}

// Lookup returns the live handle for userID.
func (r *Registry) Lookup(userID string) (Handle, bool) {
	r.mu.RLock()
	h, ok := r.byUser[userID]
	r.mu.RUnlock()
	return h, ok
}

// UserOf returns the user currently bound to h. A superseded handle is not
// bound to anyone.
func (r *Registry) UserOf(h Handle) (string, bool) {
	r.mu.RLock()
	userID, ok := r.byHandle[h.ID()]
	r.mu.RUnlock()
	return userID, ok
}

// ListOnline returns a sorted snapshot of all bound user identifiers.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Strings(users)
	return users
}

// Snapshot returns a copy of all current bindings. The returned slice is safe
// to iterate without holding the lock.
func (r *Registry) Snapshot() []Binding {
	r.mu.RLock()
	bindings := make([]Binding, 0, len(r.byUser))
	for userID, h := range r.byUser {
		bindings = append(bindings, Binding{UserID: userID, Handle: h})
	}
	r.mu.RUnlock()
	return bindings
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
