package chat

import (
	"sync"

	"github.com/omarkhd21/go-caravan/internal/protocol"
)

// Store keeps a bounded buffer of recent messages per room so late joiners
// get context. It is best-effort and never authoritative; durable history
// belongs to an external log, not this engine.
type Store struct {
	mu    sync.RWMutex
	rooms map[string][]protocol.ChatMessage
	cap   int
}

func NewStore(bufferSize int) *Store {
	if bufferSize <= 0 {
		bufferSize = 50
	}
	return &Store{
		rooms: make(map[string][]protocol.ChatMessage),
		cap:   bufferSize,
	}
}

// Add appends a message, dropping the oldest once the buffer is full.
// Returns false for a duplicate id from the same sender.
func (s *Store) Add(roomID string, msg protocol.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.rooms[roomID]
	for _, m := range buf {
		if m.ID == msg.ID && m.SenderID == msg.SenderID {
			return false
		}
	}
	buf = append(buf, msg)
	if len(buf) > s.cap {
		buf = buf[len(buf)-s.cap:]
	}
	s.rooms[roomID] = buf
	return true
}

// Edit replaces the text of the sender's own message and marks it edited.
func (s *Store) Edit(roomID, msgID, senderID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.rooms[roomID]
	for i := range buf {
		if buf[i].ID == msgID && buf[i].SenderID == senderID {
			buf[i].Text = text
			buf[i].Edited = true
			return true
		}
	}
	return false
}

// Delete removes the sender's own message from the buffer.
func (s *Store) Delete(roomID, msgID, senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.rooms[roomID]
	for i := range buf {
		if buf[i].ID == msgID && buf[i].SenderID == senderID {
			s.rooms[roomID] = append(buf[:i], buf[i+1:]...)
			return true
		}
	}
	return false
}

// MarkSeen records a viewer acknowledgment, once per viewer.
func (s *Store) MarkSeen(roomID, msgID, viewerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.rooms[roomID]
	for i := range buf {
		if buf[i].ID != msgID {
			continue
		}
		for _, v := range buf[i].SeenBy {
			if v == viewerID {
				return false
			}
		}
		buf[i].SeenBy = append(buf[i].SeenBy, viewerID)
		return true
	}
	return false
}

// Recent returns a copy of the buffered messages in arrival order.
func (s *Store) Recent(roomID string) []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf := s.rooms[roomID]
	out := make([]protocol.ChatMessage, len(buf))
	copy(out, buf)
	return out
}

// Drop discards a room's buffer. Called when the room empties.
func (s *Store) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}
