package realtime

import (
	"sort"
	"sync"
)

// RoomRegistry maps tickets to the connections currently joined to them.
// A connection is in at most one room at a time.
type RoomRegistry struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]*Connection
	current map[string]string
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:   make(map[string]map[string]*Connection),
		current: make(map[string]string),
	}
}

// Join puts conn into ticketID's room, leaving its previous room. It
// returns the previous ticket id, or "" when there was none or it was the
// same ticket.
func (r *RoomRegistry) Join(conn *Connection, ticketID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, ok := r.current[conn.ID()]
	if ok && previous == ticketID {
		return ""
	}
	if ok {
		r.removeLocked(conn, previous)
	}

	room := r.rooms[ticketID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[ticketID] = room
	}
	room[conn.ID()] = conn
	r.current[conn.ID()] = ticketID
	return previous
}

// Leave removes conn from ticketID's room and reports whether it was there.
func (r *RoomRegistry) Leave(conn *Connection, ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current[conn.ID()] != ticketID {
		return false
	}
	r.removeLocked(conn, ticketID)
	return true
}

// Remove drops every membership of conn as part of connection teardown and
// returns the room it was in.
func (r *RoomRegistry) Remove(conn *Connection) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ticketID, ok := r.current[conn.ID()]
	if !ok {
		return ""
	}
	r.removeLocked(conn, ticketID)
	return ticketID
}

func (r *RoomRegistry) removeLocked(conn *Connection, ticketID string) {
	delete(r.current, conn.ID())
	room := r.rooms[ticketID]
	delete(room, conn.ID())
	if len(room) == 0 {
		delete(r.rooms, ticketID)
	}
}

// MembersOf returns a snapshot of the room, ordered by connection id.
func (r *RoomRegistry) MembersOf(ticketID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room := r.rooms[ticketID]
	out := make([]*Connection, 0, len(room))
	for _, conn := range room {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *RoomRegistry) IsMember(conn *Connection, ticketID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current[conn.ID()] == ticketID
}

// CurrentRoom returns the ticket conn is joined to.
func (r *RoomRegistry) CurrentRoom(conn *Connection) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ticketID, ok := r.current[conn.ID()]
	return ticketID, ok
}

// Stats returns the number of non-empty rooms and joined connections.
func (r *RoomRegistry) Stats() (rooms, members int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.current)
}
