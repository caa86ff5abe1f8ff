package router

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
)

func (rt *Router) handleChatMessage(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.ChatMessage
	if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}

	// Sender identity and timestamp are authoritative server-side.
	p.SenderID = conn.UserID
	p.SentAt = time.Now().UTC()
	p.Edited = false
	p.SeenBy = nil

	if !rt.chat.Add(p.RoomID, p) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventChatMessage, p, true)
}

func (rt *Router) handleChatEdit(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.ChatEdit
	if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	// Only the author may edit; a mismatch is a silent drop.
	if !rt.chat.Edit(p.RoomID, p.ID, conn.UserID, p.Text) {
		metrics.EventsDropped.WithLabelValues("forbidden").Inc()
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventChatEdit, p, true)
}

func (rt *Router) handleChatDelete(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.ChatDelete
	if err := json.Unmarshal(payload, &p); err != nil || p.ID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	if !rt.chat.Delete(p.RoomID, p.ID, conn.UserID) {
		metrics.EventsDropped.WithLabelValues("forbidden").Inc()
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventChatDelete, p, true)
}

func (rt *Router) handleChatSeen(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.ChatSeen
	if err := json.Unmarshal(payload, &p); err != nil || p.MsgID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	// The viewer is the connection's user, never a client-supplied id.
	p.UserID = conn.UserID
	if !rt.chat.MarkSeen(p.RoomID, p.MsgID, p.UserID) {
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventChatSeen, p, true)
}
