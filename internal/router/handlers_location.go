package router

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
	"github.com/omarkhd21/go-caravan/internal/trip"
)

func (rt *Router) handleLocation(ctx context.Context, conn *registry.Connection, payload json.RawMessage) {
	var p protocol.LocationUpdate
	if err := json.Unmarshal(payload, &p); err != nil {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		return
	}

	rt.pres.Movement(p.RoomID, conn.UserID)

	out := p
	out.UserID = conn.UserID
	rt.bcast.Broadcast(p.RoomID, conn.ID, protocol.EventLocationUpdate, out, true)

	rt.evaluateGeofences(ctx, conn, p.RoomID, protocol.Point{Lat: p.Lat, Lng: p.Lng})
}

// evaluateGeofences checks the new coordinate against the active destination
// and checkpoint list. The trip synchronizer arbitrates at-most-once firing,
// so a concurrent delete or a racing update from another connection makes
// the arrival a no-op here, not an error.
func (rt *Router) evaluateGeofences(ctx context.Context, conn *registry.Connection, roomID string, pos protocol.Point) {
	snap, ok := rt.trips.Snapshot(roomID)
	if !ok || snap.Status != trip.StatusOngoing.String() {
		return
	}

	for _, cpID := range rt.geo.CheckpointsWithin(pos, snap.Checkpoints) {
		if !rt.trips.ReachCheckpoint(roomID, cpID) {
			continue
		}
		metrics.GeofenceTriggers.WithLabelValues("checkpoint").Inc()
		if err := rt.collab.DeleteCheckpoint(ctx, cpID); err != nil && !errors.Is(err, protocol.ErrNotFound) {
			rt.bcast.SendError(conn, err, "checkpoint record deletion failed")
		}
		rt.bcast.Broadcast(roomID, uuid.Nil, protocol.EventCheckpointReached,
			protocol.CheckpointReached{RoomID: roomID, CheckpointID: cpID}, false)
	}

	if rt.geo.DestinationWithin(pos, snap.Destination) && rt.trips.ReachDestination(roomID) {
		metrics.GeofenceTriggers.WithLabelValues("destination").Inc()
		rt.bcast.Broadcast(roomID, uuid.Nil, protocol.EventDestReached,
			protocol.DestinationReached{RoomID: roomID}, false)
	}
}
