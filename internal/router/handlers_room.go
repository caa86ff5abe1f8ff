package router

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
)

func (rt *Router) handleJoin(ctx context.Context, conn *registry.Connection, payload json.RawMessage) {
	var p protocol.JoinRoom
	if err := json.Unmarshal(payload, &p); err != nil || p.RoomID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}

	// A connection lives in at most one room; joining a new room is an
	// implicit leave of the old one.
	if current := rt.reg.CurrentRoom(conn.ID); current != "" && current != p.RoomID {
		rt.handleLeave(conn, current)
	}

	// Seed trip state for a cold room. The collaborator owns the durable
	// room record and its leader; if it cannot be reached the first joiner
	// leads, and only the requester hears about the failure.
	if _, ok := rt.trips.Snapshot(p.RoomID); !ok {
		leaderID := conn.UserID
		room, err := rt.collab.GetRoom(ctx, p.RoomID)
		switch {
		case err == nil && room.LeaderID != "":
			leaderID = room.LeaderID
		case err != nil:
			rt.bcast.SendError(conn, err, "room lookup failed")
		}
		rt.trips.Ensure(p.RoomID, leaderID)
	}

	joined, err := rt.reg.Join(p.RoomID, conn.ID)
	if err != nil {
		rt.logger.Error("Join failed", "connID", conn.ID, "roomID", p.RoomID, "error", err)
		return
	}

	if joined {
		profile := rt.lookupProfile(ctx, conn.UserID)
		rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventUserJoined, protocol.UserJoined{User: profile}, true)
	}
	rt.pres.Start(rt.rootCtx, p.RoomID, conn.UserID)

	// Reconciliation is point-to-point: the joiner alone gets the
	// authoritative snapshot, existing members saw everything live.
	rt.bcast.SendTo(conn, protocol.EventRoomState, rt.roomState(p.RoomID))
	rt.logger.Info("User joined room", "userID", conn.UserID, "roomID", p.RoomID, "connID", conn.ID)
}

// lookupProfile enriches broadcasts with the user's public profile. Lookup
// is best-effort; on failure the broadcast proceeds with the raw id.
func (rt *Router) lookupProfile(ctx context.Context, userID string) protocol.Profile {
	if prof, err := rt.collab.Profile(ctx, userID); err == nil {
		return *prof
	}
	return protocol.Profile{ID: userID}
}

func (rt *Router) roomState(roomID string) protocol.RoomState {
	snap, _ := rt.trips.Snapshot(roomID)
	state := protocol.RoomState{
		RoomID:     roomID,
		Trip:       snap,
		RecentChat: rt.chat.Recent(roomID),
	}
	seen := make(map[string]struct{})
	for _, member := range rt.reg.Members(roomID) {
		if _, dup := seen[member.UserID]; dup {
			continue
		}
		seen[member.UserID] = struct{}{}
		state.Members = append(state.Members, protocol.Profile{ID: member.UserID})
	}
	return state
}

// handleLeave detaches the connection from the room, announcing the user's
// departure only when their last connection is gone. Also the disconnect
// path; must stay safe under repeated calls.
func (rt *Router) handleLeave(conn *registry.Connection, roomID string) {
	lastOfUser, left := rt.reg.Leave(roomID, conn.ID)
	if !left {
		return
	}
	if lastOfUser {
		rt.pres.Stop(roomID, conn.UserID)
		rt.bcast.Broadcast(roomID, uuid.Nil, protocol.EventUserLeft, protocol.UserLeft{UserID: conn.UserID}, false)
	}
	if rt.reg.RoomEmpty(roomID) {
		rt.trips.Drop(roomID)
		rt.chat.Drop(roomID)
	}
	rt.logger.Info("User left room", "userID", conn.UserID, "roomID", roomID, "connID", conn.ID)
}

// HandleDisconnect is the transport's close callback. Cleanup is complete
// only once the room membership, the presence timer and the connection
// record are all gone.
func (rt *Router) HandleDisconnect(connID uuid.UUID) {
	conn, ok := rt.reg.Get(connID)
	if !ok {
		return
	}
	if roomID := rt.reg.CurrentRoom(connID); roomID != "" {
		rt.handleLeave(conn, roomID)
	}
	rt.reg.Deregister(connID)
}

func (rt *Router) handleKick(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.RoomKick
	if err := json.Unmarshal(payload, &p); err != nil || p.TargetUserID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	if !rt.trips.IsLeader(p.RoomID, conn.UserID) {
		rt.dropForbidden(protocol.EventRoomKick, conn, p.RoomID)
		return
	}

	// Kick is announced to everyone, target included, before the target's
	// connections are detached so the event still reaches them.
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventRoomKick, p, false)
	for _, target := range rt.reg.UserConnections(p.RoomID, p.TargetUserID) {
		rt.reg.Leave(p.RoomID, target.ID)
	}
	rt.pres.Stop(p.RoomID, p.TargetUserID)
	if rt.reg.RoomEmpty(p.RoomID) {
		rt.trips.Drop(p.RoomID)
		rt.chat.Drop(p.RoomID)
	}
	rt.logger.Info("User kicked from room", "roomID", p.RoomID, "targetUserID", p.TargetUserID, "by", conn.UserID)
}
