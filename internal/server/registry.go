package server

import (
	"net"
	"sync"

	"chatrelay/internal/protocol"
)

// Member is one entry of a Registry snapshot.
type Member struct {
	ID   protocol.UserID
	Conn net.Conn
}

// Registry maps every connection that completed HELLO to its identity and is
// the source of truth for who is online.
//
// All operations run under one mutex and none of them performs I/O; callers
// that need to write to a member copy it out with Snapshot or FindByID first.
type Registry struct {
	mu      sync.Mutex
	members map[net.Conn]protocol.UserID
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[net.Conn]protocol.UserID)}
}

// Register records conn as belonging to id. It reports false, leaving the
// registry unchanged, when conn is already registered.
func (r *Registry) Register(conn net.Conn, id protocol.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn]; ok {
		return false
	}
	r.members[conn] = id
	return true
}

// Unregister removes conn if present.
func (r *Registry) Unregister(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, conn)
}

// UnregisterID removes the entry carrying id and reports whether one existed.
// Lookup is by identity so it works even when the handle itself is no longer
// usable.
func (r *Registry) UnregisterID(id protocol.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn, uid := range r.members {
		if uid == id {
			delete(r.members, conn)
			return true
		}
	}
	return false
}

// Snapshot returns a point-in-time copy of every member, in no particular
// order. It is safe to iterate without holding any lock.
func (r *Registry) Snapshot() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Member, 0, len(r.members))
	for conn, id := range r.members {
		out = append(out, Member{ID: id, Conn: conn})
	}
	return out
}

// FindByID returns the connection registered for id.
func (r *Registry) FindByID(id protocol.UserID) (net.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn, uid := range r.members {
		if uid == id {
			return conn, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
