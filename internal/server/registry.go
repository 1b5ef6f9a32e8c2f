// Package server keeps the authoritative participant set in the Registry type.
package server

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// errConnRegistered reports a second registration of the same Conn.
var errConnRegistered = errors.New("connection already registered")

// Participant is a registered, named connection.
type Participant struct {
	Conn Conn
	Name string
}

// Registry maps connections to display names. Every read and write goes
// through a single mutex. Names are pairwise distinct and a Conn appears at
// most once.
type Registry struct {
	mu     sync.Mutex
	names  map[Conn]string
	byName map[string]Conn
	closed bool
}

// NewRegistry creates an empty, open Registry.
func NewRegistry() *Registry {
	return &Registry{
		names:  make(map[Conn]string),
		byName: make(map[string]Conn),
	}
}

// Register atomically checks that name is free and records conn under it.
func (r *Registry) Register(conn Conn, name string) error {
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRelayClosed
	}
	if _, taken := r.byName[name]; taken {
		return ErrNameTaken
	}
	if _, exists := r.names[conn]; exists {
		return errConnRegistered
	}

	r.names[conn] = name
	r.byName[name] = conn
	return nil
}

// Remove deletes conn if it is still present and returns the name it held.
// Only the first of several concurrent callers observes removed == true.
func (r *Registry) Remove(conn Conn) (name string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, removed = r.names[conn]
	if !removed {
		return "", false
	}
	delete(r.names, conn)
	delete(r.byName, name)
	return name, true
}

// Name returns the display name registered for conn.
func (r *Registry) Name(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.names[conn]
	return name, ok
}

// Lookup returns the connection registered under name.
func (r *Registry) Lookup(name string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.byName[name]
	return conn, ok
}

// Snapshot returns a copy of the current participants. Callers may iterate
// it while the Registry keeps changing.
func (r *Registry) Snapshot() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.MapToSlice(r.names, func(conn Conn, name string) Participant {
		return Participant{Conn: conn, Name: name}
	})
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := lo.Keys(r.byName)
	r.mu.Unlock()

	slices.Sort(names)
	return names
}

// Len returns the number of registered participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

// Close refuses further registrations, calls fn for every participant while
// still holding the lock, and empties the Registry. It returns the
// participants that were present. A closed Registry stays closed.
func (r *Registry) Close(fn func(Participant)) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	participants := lo.MapToSlice(r.names, func(conn Conn, name string) Participant {
		return Participant{Conn: conn, Name: name}
	})
	if fn != nil {
		for _, p := range participants {
			fn(p)
		}
	}

	clear(r.names)
	clear(r.byName)
	return participants
}
