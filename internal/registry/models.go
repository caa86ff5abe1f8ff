package registry

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the outbound half of a live socket. Satisfied by
// *transport.Connection; kept as an interface so fan-out can be tested
// without real websockets.
type Transport interface {
	Send(message []byte)
	Close(err error)
}

// Connection is the canonical record of one live transport session.
// A connection belongs to at most one room at a time.
type Connection struct {
	ID        uuid.UUID
	UserID    string
	RoomID    string // empty until the connection joins a room
	Transport Transport
	CreatedAt time.Time
}

// Room is the fan-out addressing table entry: the set of currently
// connected members, keyed by connection id (a user may reconnect and get a
// new connection).
type Room struct {
	ID      string
	Members map[uuid.UUID]*Connection
}
