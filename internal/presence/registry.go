// Package presence tracks the live connections of one instance, the name each
// one chats under, and the rooms they are joined to.
//
// Registry and Router are plain data structures; Directory serializes every
// access to both behind a single lock.
package presence

import (
	"errors"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("presence: connection already registered")
	// ErrUnknownConnection is returned for operations on an id that was never
	// registered or has already been removed.
	ErrUnknownConnection = errors.New("presence: unknown connection")
)

// Conn is a live client link that can receive outbound frames.
// Send must not block.
type Conn interface {
	ID() string
	Send(payload []byte) error
}

// Departure describes a connection removed from the Registry.
type Departure struct {
	Username string
	Room     string
}

// Named reports whether the connection chose a username before leaving.
func (d Departure) Named() bool {
	return d.Username != ""
}

type entry struct {
	conn     Conn
	username string
	room     string
}

// Registry maps connection ids to their presence. It is not safe for
// concurrent use.
type Registry struct {
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds conn with no username and no room.
func (r *Registry) Register(conn Conn) error {
	if _, exists := r.entries[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.entries[conn.ID()] = &entry{conn: conn}
	return nil
}

// SetUsername records the display name of id. Blank names become "Anonymous".
func (r *Registry) SetUsername(id, name string) error {
	e, ok := r.entries[id]
	if !ok {
		return ErrUnknownConnection
	}
	e.username = protocol.Username(name)
	return nil
}

// Username returns the display name of id, or "Anonymous" when none is set.
func (r *Registry) Username(id string) string {
	if e, ok := r.entries[id]; ok && e.username != "" {
		return e.username
	}
	return protocol.DefaultUsername
}

// Room returns the room id is joined to, or "".
func (r *Registry) Room(id string) string {
	if e, ok := r.entries[id]; ok {
		return e.room
	}
	return ""
}

// SetRoom records the room of id and returns the previous one.
func (r *Registry) SetRoom(id, room string) (string, error) {
	e, ok := r.entries[id]
	if !ok {
		return "", ErrUnknownConnection
	}
	prev := e.room
	e.room = room
	return prev, nil
}

// Unregister removes id. The boolean is false when id was not registered,
// which callers treat as a no-op.
func (r *Registry) Unregister(id string) (Departure, bool) {
	e, ok := r.entries[id]
	if !ok {
		return Departure{}, false
	}
	delete(r.entries, id)
	return Departure{Username: e.username, Room: e.room}, true
}

// Conn returns the connection registered under id.
func (r *Registry) Conn(id string) (Conn, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Each calls fn for every registered connection.
func (r *Registry) Each(fn func(Conn)) {
	for _, e := range r.entries {
		fn(e.conn)
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	return len(r.entries)
}
