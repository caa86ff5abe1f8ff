package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omarkhd21/go-caravan/internal/metrics"
)

// Registry is the in-memory mapping from room id to connected members, plus
// the connection and user indexes the gateway needs for cleanup and
// connection limiting. A single lock guards all three maps so that a
// fan-out snapshot taken after a join always contains the joiner.
type Registry struct {
	mu      sync.RWMutex
	conns   map[uuid.UUID]*Connection
	userIdx map[string]map[uuid.UUID]*Connection
	rooms   map[string]*Room
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:   make(map[uuid.UUID]*Connection),
		userIdx: make(map[string]map[uuid.UUID]*Connection),
		rooms:   make(map[string]*Room),
		logger:  logger.With(slog.String("component", "registry")),
	}
}

// Register records a freshly authenticated connection.
func (r *Registry) Register(connID uuid.UUID, userID string, t Transport) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}
	conn := &Connection{
		ID:        connID,
		UserID:    userID,
		Transport: t,
		CreatedAt: time.Now(),
	}
	r.conns[connID] = conn
	byUser, ok := r.userIdx[userID]
	if !ok {
		byUser = make(map[uuid.UUID]*Connection)
		r.userIdx[userID] = byUser
	}
	byUser[connID] = conn

	r.logger.Debug("Connection registered", "connID", connID.String(), "userID", userID)
	return conn, nil
}

// Deregister forgets a connection entirely. It does NOT leave the room; the
// gateway calls Leave first so that the member-left broadcast can still see
// the membership. Safe to call for an unknown connection.
func (r *Registry) Deregister(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if byUser, ok := r.userIdx[conn.UserID]; ok {
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(r.userIdx, conn.UserID)
		}
	}
	r.logger.Debug("Connection deregistered", "connID", connID.String())
}

func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// CurrentRoom reads the connection's room under the registry lock. The
// RoomID field on a Connection may be rewritten by a concurrent kick or
// cycle, so membership decisions read it here, not off the struct.
func (r *Registry) CurrentRoom(connID uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return ""
	}
	return conn.RoomID
}

// Join adds the connection to the room's member set, detaching it from any
// previous room first. Idempotent per connection: joined is false when the
// connection was already a member of roomID.
func (r *Registry) Join(roomID string, connID uuid.UUID) (joined bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return false, errors.New("cannot join room: connection not registered")
	}
	if conn.RoomID == roomID {
		return false, nil
	}
	// Invariant: a connection appears in at most one room's set.
	if conn.RoomID != "" {
		r.detachLocked(conn)
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = &Room{ID: roomID, Members: make(map[uuid.UUID]*Connection)}
		r.rooms[roomID] = room
		metrics.ActiveRooms.Inc()
	}
	room.Members[connID] = conn
	conn.RoomID = roomID

	r.logger.Debug("Connection joined room", "connID", connID.String(), "roomID", roomID)
	return true, nil
}

// Leave removes the connection from its room. Safe to call multiple times;
// disconnect may race with an explicit leave. lastOfUser reports whether no
// other connection of the same user remains in that room, which is the
// trigger for the member-left broadcast.
func (r *Registry) Leave(roomID string, connID uuid.UUID) (lastOfUser bool, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok || conn.RoomID != roomID {
		return false, false
	}
	r.detachLocked(conn)

	if room, ok := r.rooms[roomID]; ok {
		for _, m := range room.Members {
			if m.UserID == conn.UserID {
				return false, true
			}
		}
	}
	return true, true
}

// detachLocked unlinks a connection from its current room and removes the
// room once empty. Callers must hold r.mu.
func (r *Registry) detachLocked(conn *Connection) {
	room, ok := r.rooms[conn.RoomID]
	if ok {
		delete(room.Members, conn.ID)
		if len(room.Members) == 0 {
			delete(r.rooms, conn.RoomID)
			metrics.ActiveRooms.Dec()
			r.logger.Debug("Removed empty room", "roomID", room.ID)
		}
	}
	conn.RoomID = ""
}

// Members returns a snapshot of the room's member set for fan-out.
func (r *Registry) Members(roomID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]*Connection, 0, len(room.Members))
	for _, c := range room.Members {
		members = append(members, c)
	}
	return members
}

// RoomEmpty reports whether no connection remains in the room.
func (r *Registry) RoomEmpty(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID]
	return !ok
}

// UserConnections returns the user's connections in the given room.
func (r *Registry) UserConnections(roomID, userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var conns []*Connection
	for _, c := range room.Members {
		if c.UserID == userID {
			conns = append(conns, c)
		}
	}
	return conns
}

// UserConnectionCount counts all live connections of a user, across rooms
// and unjoined. Used by the connection limiter.
func (r *Registry) UserConnectionCount(userID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userIdx[userID]), nil
}

// FindOldestUserConnection returns the user's longest-lived connection, the
// one the cycle limiter mode closes to make room for a new one.
func (r *Registry) FindOldestUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Connection
	for _, conn := range r.userIdx[userID] {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	return oldest, oldest != nil
}

// AllConnections snapshots every live connection, for shutdown.
func (r *Registry) AllConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}
