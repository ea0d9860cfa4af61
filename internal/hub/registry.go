package hub

import (
	"sync"
)

// Registry maps identities to their live connections. One lock guards every
// ConnectionSet so register, unregister and heartbeat reaping are atomic
// with respect to each other; fan-out works on copies taken under the lock.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]map[*Conn]struct{}
	usernames map[string]string
	count     int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[string]map[*Conn]struct{}),
		usernames: make(map[string]string),
	}
}

// Register adds c and reports whether it is the identity's first connection
func (r *Registry) Register(c *Conn) bool {
	id := c.identity.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byUser[id]
	if !ok {
		set = make(map[*Conn]struct{})
		r.byUser[id] = set
	}
	if _, dup := set[c]; dup {
		return false
	}
	set[c] = struct{}{}
	r.count++
	if c.identity.Username != "" {
		r.usernames[c.identity.Username] = id
	}
	return len(set) == 1
}

// Unregister removes c and reports whether it was the identity's last
// connection. Removing an unknown connection reports false.
func (r *Registry) Unregister(c *Conn) bool {
	id := c.identity.ID

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byUser[id]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	r.count--
	if len(set) > 0 {
		return false
	}
	delete(r.byUser, id)
	if r.usernames[c.identity.Username] == id {
		delete(r.usernames, c.identity.Username)
	}
	return true
}

// Connections returns a snapshot of the identity's live connections
func (r *Registry) Connections(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, r.count)
	for _, set := range r.byUser {
		for c := range set {
			out = append(out, c)
		}
	}
	return out
}

// IsOnline reports whether the identity has at least one live connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// LookupUsername resolves a connected user's id from their username
func (r *Registry) LookupUsername(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.usernames[username]
	return id, ok
}

// Stats returns the number of live connections and online identities
func (r *Registry) Stats() (connections, users int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count, len(r.byUser)
}
