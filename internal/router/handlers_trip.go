package router

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
	"github.com/omarkhd21/go-caravan/internal/trip"
)

func (rt *Router) handleTripStarted(ctx context.Context, conn *registry.Connection, roomID string) {
	if !rt.trips.IsLeader(roomID, conn.UserID) {
		rt.dropForbidden(protocol.EventTripStarted, conn, roomID)
		return
	}

	// Durable record first: if the collaborator refuses, room state stays
	// untouched and only the requester hears about it.
	tripID, err := rt.collab.CreateTrip(ctx, roomID)
	if err != nil {
		rt.bcast.SendError(conn, err, "trip creation failed")
		return
	}
	if err := rt.trips.Start(roomID, conn.UserID, tripID); err != nil {
		rt.logger.Warn("Trip start rejected", "roomID", roomID, "error", err)
		return
	}
	rt.bcast.Broadcast(roomID, conn.ID, protocol.EventTripStarted, protocol.TripLifecycle{RoomID: roomID}, true)
	rt.logger.Info("Trip started", "roomID", roomID, "tripID", tripID, "leaderID", conn.UserID)
}

func (rt *Router) handleTripEnded(ctx context.Context, conn *registry.Connection, roomID string) {
	snap, ok := rt.trips.Snapshot(roomID)
	if !ok {
		return
	}
	if snap.LeaderID != conn.UserID {
		rt.dropForbidden(protocol.EventTripEnded, conn, roomID)
		return
	}

	if snap.TripID != "" {
		err := rt.collab.EndTrip(ctx, snap.TripID)
		// A trip the collaborator no longer has is already ended.
		if err != nil && !errors.Is(err, protocol.ErrNotFound) {
			rt.bcast.SendError(conn, err, "trip completion failed")
			return
		}
	}
	if err := rt.trips.End(roomID, conn.UserID); err != nil {
		rt.logger.Warn("Trip end rejected", "roomID", roomID, "error", err)
		return
	}
	rt.bcast.Broadcast(roomID, conn.ID, protocol.EventTripEnded, protocol.TripLifecycle{RoomID: roomID}, true)
	rt.logger.Info("Trip ended", "roomID", roomID, "leaderID", conn.UserID)
}

func (rt *Router) handleTripDestination(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.TripDestination
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	if err := rt.trips.SetDestination(p.RoomID, conn.UserID, p.Destination); err != nil {
		rt.dropForbidden(protocol.EventTripDest, conn, p.RoomID)
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventTripDest, p, true)
}

func (rt *Router) handleTripRoute(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.TripRoute
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	if err := rt.trips.SetRoute(p.RoomID, conn.UserID, p.RoutePath); err != nil {
		rt.dropForbidden(protocol.EventTripRoute, conn, p.RoomID)
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventTripRoute, p, true)
}

func (rt *Router) handleCheckpointCreated(ctx context.Context, conn *registry.Connection, payload json.RawMessage) {
	var p protocol.CheckpointCreated
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	// Checked before the collaborator call so a rejected create does not
	// leave an orphan durable record behind.
	snap, ok := rt.trips.Snapshot(p.RoomID)
	if !ok || snap.LeaderID != conn.UserID || snap.Status != trip.StatusOngoing.String() {
		rt.dropForbidden(protocol.EventCheckpointNew, conn, p.RoomID)
		return
	}

	cp := p.Checkpoint
	cp.CreatorID = conn.UserID
	cp.CreatedAt = time.Now().UTC()

	// The collaborator owns checkpoint identifiers.
	recordID, err := rt.collab.CreateCheckpoint(ctx, p.RoomID, cp)
	if err != nil {
		rt.bcast.SendError(conn, err, "checkpoint creation failed")
		return
	}
	if recordID != "" {
		cp.ID = recordID
	} else if cp.ID == "" {
		cp.ID = uuid.NewString()
	}

	if err := rt.trips.AddCheckpoint(p.RoomID, conn.UserID, cp); err != nil {
		// Trip ended or leadership moved between the check and the add; the
		// durable record must not outlive the rejected checkpoint.
		if derr := rt.collab.DeleteCheckpoint(ctx, cp.ID); derr != nil && !errors.Is(derr, protocol.ErrNotFound) {
			rt.logger.Warn("Orphan checkpoint record cleanup failed", "checkpointID", cp.ID, "error", derr)
		}
		rt.dropForbidden(protocol.EventCheckpointNew, conn, p.RoomID)
		return
	}

	// One frame to the whole room, creator included: every replica gets the
	// identical checkpoint carrying the server-assigned id.
	p.Checkpoint = cp
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventCheckpointNew, p, false)
}

func (rt *Router) handleCheckpointDeleted(ctx context.Context, conn *registry.Connection, payload json.RawMessage) {
	var p protocol.CheckpointDeleted
	if err := json.Unmarshal(payload, &p); err != nil || p.CheckpointID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	if !rt.trips.IsLeader(p.RoomID, conn.UserID) {
		rt.dropForbidden(protocol.EventCheckpointDel, conn, p.RoomID)
		return
	}

	err := rt.collab.DeleteCheckpoint(ctx, p.CheckpointID)
	if err != nil && !errors.Is(err, protocol.ErrNotFound) {
		rt.bcast.SendError(conn, err, "checkpoint deletion failed")
		return
	}
	if err := rt.trips.DeleteCheckpoint(p.RoomID, conn.UserID, p.CheckpointID); err != nil {
		// Already gone (reached or deleted concurrently) is already handled.
		if !errors.Is(err, protocol.ErrNotFound) {
			rt.dropForbidden(protocol.EventCheckpointDel, conn, p.RoomID)
		}
		return
	}
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventCheckpointDel, p, true)
}

// handleSOS is the manual panic path: no thresholds, broadcast to the whole
// room including the sender so their own UI confirms receipt.
func (rt *Router) handleSOS(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.SOS
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	p.UserID = conn.UserID
	metrics.AlertsFired.WithLabelValues("sos").Inc()
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventSOS, p, false)
	rt.logger.Info("Manual SOS", "roomID", p.RoomID, "userID", conn.UserID, "reason", p.Reason)
}

func (rt *Router) handleLeaderTransfer(conn *registry.Connection, payload json.RawMessage) {
	var p protocol.LeaderTransfer
	if err := json.Unmarshal(payload, &p); err != nil || p.NewLeaderID == "" {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}
	snap, err := rt.trips.TransferLeader(p.RoomID, conn.UserID, p.NewLeaderID)
	if err != nil {
		rt.dropForbidden(protocol.EventLeaderTransfer, conn, p.RoomID)
		return
	}
	// Everyone, old and new leader included, gets the same snapshot in the
	// same logical step so no two clients can both believe they lead.
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventLeaderUpdated, protocol.LeaderUpdated{
		RoomID:      p.RoomID,
		NewLeaderID: p.NewLeaderID,
		Trip:        snap,
	}, false)
}
