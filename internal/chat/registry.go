package chat

import (
	"sort"

	"collabup/server/internal/models"
)

// Conn is a live transport connection as seen by the chat core.
// Send must not block; it reports false when the event could not be queued.
type Conn interface {
	ID() string
	Identity() models.Identity
	Send(data []byte) bool
	Close()
}

type connEntry struct {
	conn   Conn
	userID string
	rooms  map[string]struct{}
}

// LeaveResult describes one room a connection left
type LeaveResult struct {
	RoomID   string
	UserID   string
	UserGone bool // No other connection of the user remains in the room
}

// Registry maps connections to users and joined rooms. It is not safe for
// concurrent use; the hub goroutine owns it.
type Registry struct {
	conns map[string]*connEntry
	rooms map[string]map[string]*connEntry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connEntry),
		rooms: make(map[string]map[string]*connEntry),
	}
}

// Register associates conn with userID. Registering twice is a no-op.
func (r *Registry) Register(conn Conn, userID string) bool {
	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}
	r.conns[conn.ID()] = &connEntry{conn: conn, userID: userID, rooms: make(map[string]struct{})}
	return true
}

// Registered reports whether conn is known
func (r *Registry) Registered(conn Conn) bool {
	_, ok := r.conns[conn.ID()]
	return ok
}

// Join adds conn to roomID. Returns false if conn is unknown or already joined.
func (r *Registry) Join(conn Conn, roomID string) bool {
	e, ok := r.conns[conn.ID()]
	if !ok {
		return false
	}
	if _, joined := e.rooms[roomID]; joined {
		return false
	}
	e.rooms[roomID] = struct{}{}
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[string]*connEntry)
		r.rooms[roomID] = set
	}
	set[conn.ID()] = e
	return true
}

// Joined reports whether conn has joined roomID
func (r *Registry) Joined(conn Conn, roomID string) bool {
	e, ok := r.conns[conn.ID()]
	if !ok {
		return false
	}
	_, joined := e.rooms[roomID]
	return joined
}

// Leave removes conn from roomID. ok is false if conn was not in the room.
func (r *Registry) Leave(conn Conn, roomID string) (LeaveResult, bool) {
	e, ok := r.conns[conn.ID()]
	if !ok {
		return LeaveResult{}, false
	}
	return r.leave(e, roomID)
}

func (r *Registry) leave(e *connEntry, roomID string) (LeaveResult, bool) {
	if _, joined := e.rooms[roomID]; !joined {
		return LeaveResult{}, false
	}
	delete(e.rooms, roomID)
	set := r.rooms[roomID]
	delete(set, e.conn.ID())
	if len(set) == 0 {
		delete(r.rooms, roomID)
	}
	return LeaveResult{RoomID: roomID, UserID: e.userID, UserGone: !r.UserPresent(roomID, e.userID)}, true
}

// Unregister leaves every room conn had joined and forgets it
func (r *Registry) Unregister(conn Conn) []LeaveResult {
	e, ok := r.conns[conn.ID()]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)

	results := make([]LeaveResult, 0, len(rooms))
	for _, id := range rooms {
		if res, ok := r.leave(e, id); ok {
			results = append(results, res)
		}
	}
	delete(r.conns, conn.ID())
	return results
}

// Conns returns the connections joined to roomID, ordered by ID
func (r *Registry) Conns(roomID string) []Conn {
	set := r.rooms[roomID]
	out := make([]Conn, 0, len(set))
	for _, e := range set {
		out = append(out, e.conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// UserPresent reports whether userID has any connection joined to roomID
func (r *Registry) UserPresent(roomID, userID string) bool {
	for _, e := range r.rooms[roomID] {
		if e.userID == userID {
			return true
		}
	}
	return false
}

// Rooms returns the rooms conn has joined, sorted
func (r *Registry) Rooms(conn Conn) []string {
	e, ok := r.conns[conn.ID()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.rooms))
	for id := range e.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// All returns every registered connection, ordered by ID
func (r *Registry) All() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	return len(r.conns)
}

// Users returns the distinct registered user IDs, sorted
func (r *Registry) Users() []string {
	seen := make(map[string]struct{})
	for _, e := range r.conns {
		seen[e.userID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
