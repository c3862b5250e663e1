/*
Package registry contains the per-process Connection Registry: the mapping from live transport
connections to the identity and room currently associated with each of them.

A Registry is owned by the serving process and passed to the coordinator explicitly. It never
talks to other processes; cross-process delivery goes through the fanout bus.
*/
package registry

import (
	"sync"

	"github.com/rs/zerolog"

	"roomrelay/internal/app/identity"
	"roomrelay/internal/app/store"
	"roomrelay/internal/pkg/logx"
)

// Conn is a live transport connection.
type Conn interface {
	// ID is unique within the process.
	ID() string

	// Send queues an encoded frame for delivery. It does not block on the network.
	Send(frame []byte) error

	// Close tears the transport down.
	Close()
}

// Entry is a snapshot of a registered connection.
type Entry struct {
	Conn     Conn
	Identity identity.Identity
	RoomCode string

	// DisplayName is the name of the membership the connection is attached to.
	DisplayName string
}

// Bound reports whether the connection has a resolved identity.
func (e Entry) Bound() bool {
	return e.Identity != nil
}

// InRoom reports whether the connection is attached to a room.
func (e Entry) InRoom() bool {
	return e.RoomCode != ""
}

// DepartureFunc is called by Unbind for a connection that was still in a room.
type DepartureFunc func(entry Entry)

// Registry is the Connection Registry. It is safe for concurrent use.
type Registry struct {
	// mu protects every map below.
	mu sync.RWMutex

	// conns maps connection IDs to their state.
	conns map[string]*Entry

	// rooms indexes connection IDs by room code.
	rooms map[string]map[string]struct{}

	// identities indexes connection IDs by identity key.
	identities map[string]map[string]struct{}

	// onDeparture notifies the coordinator of abrupt disconnects.
	onDeparture DepartureFunc

	// structured logger with Registry context.
	logger zerolog.Logger
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		conns:      make(map[string]*Entry),
		rooms:      make(map[string]map[string]struct{}),
		identities: make(map[string]map[string]struct{}),
		logger:     logx.Component("registry"),
	}
}

// OnDeparture installs the hook Unbind calls for connections that were in a room.
func (r *Registry) OnDeparture(fn DepartureFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDeparture = fn
}

// Add registers a new, unbound connection.
func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = &Entry{Conn: c}
}

// Bind associates the connection with a resolved identity. It reports false for unknown connections.
func (r *Registry) Bind(connID string, id identity.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if e.Identity != nil {
		removeIndex(r.identities, identity.Key(e.Identity), connID)
	}
	e.Identity = id
	addIndex(r.identities, identity.Key(id), connID)
	return true
}

// SetRoom attaches the connection to code under displayName, detaching it from any previous room.
func (r *Registry) SetRoom(connID, code, displayName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	if e.RoomCode != "" {
		removeIndex(r.rooms, e.RoomCode, connID)
	}
	e.RoomCode = code
	e.DisplayName = displayName
	addIndex(r.rooms, code, connID)
	return true
}

// ClearRoom detaches the connection from its room and returns the room it was in.
func (r *Registry) ClearRoom(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok || e.RoomCode == "" {
		return ""
	}
	prev := e.RoomCode
	removeIndex(r.rooms, prev, connID)
	e.RoomCode = ""
	e.DisplayName = ""
	return prev
}

// Lookup returns a snapshot of the connection's state.
func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ConnectionsInRoom returns the local connections attached to code.
func (r *Registry) ConnectionsInRoom(code string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.rooms[code])
}

// FindByIdentity returns the local connections bound to id.
func (r *Registry) FindByIdentity(id identity.Identity) []Entry {
	return r.FindByRef(id.Ref())
}

// FindByRef is FindByIdentity for a stored identity reference.
func (r *Registry) FindByRef(ref store.IdentityRef) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.identities[ref.Key()])
}

// Entries returns every registered connection.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, *e)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Unbind removes the connection. When it was attached to a room the departure hook runs
// after the registry lock is released.
func (r *Registry) Unbind(connID string) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return Entry{}, false
	}
	delete(r.conns, connID)
	if e.RoomCode != "" {
		removeIndex(r.rooms, e.RoomCode, connID)
	}
	if e.Identity != nil {
		removeIndex(r.identities, identity.Key(e.Identity), connID)
	}
	hook := r.onDeparture
	snapshot := *e
	r.mu.Unlock()

	if snapshot.InRoom() && snapshot.Bound() && hook != nil {
		r.logger.Debug().
			Str("conn_id", connID).
			Str("room_code", snapshot.RoomCode).
			Msg("Connection left while in room.")
		hook(snapshot)
	}
	return snapshot, true
}

func (r *Registry) collect(ids map[string]struct{}) []Entry {
	out := make([]Entry, 0, len(ids))
	for id := range ids {
		if e, ok := r.conns[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

func addIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}
