package router

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/omarkhd21/go-caravan/internal/broadcast"
	"github.com/omarkhd21/go-caravan/internal/chat"
	"github.com/omarkhd21/go-caravan/internal/collab"
	"github.com/omarkhd21/go-caravan/internal/geofence"
	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/presence"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
	"github.com/omarkhd21/go-caravan/internal/trip"
)

// Collaborator is the external CRUD layer that owns durable records. Calls
// are single-attempt; this layer never retries.
type Collaborator interface {
	GetRoom(ctx context.Context, roomID string) (*collab.Room, error)
	Profile(ctx context.Context, userID string) (*protocol.Profile, error)
	CreateTrip(ctx context.Context, roomID string) (string, error)
	EndTrip(ctx context.Context, tripID string) error
	CreateCheckpoint(ctx context.Context, roomID string, cp protocol.Checkpoint) (string, error)
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}

// Router dispatches inbound events from connection workers to the feature
// components. Events from one connection arrive sequentially; the registry,
// trip state and presence monitor handle cross-connection concurrency.
type Router struct {
	logger *slog.Logger
	reg    *registry.Registry
	bcast  *broadcast.Router
	trips  *trip.Synchronizer
	pres   *presence.Monitor
	chat   *chat.Store
	geo    *geofence.Evaluator
	collab Collaborator

	// rootCtx parents presence watch goroutines: a (room, user) timer may
	// outlive the connection that started it.
	rootCtx context.Context
}

func New(
	rootCtx context.Context,
	logger *slog.Logger,
	reg *registry.Registry,
	bcast *broadcast.Router,
	trips *trip.Synchronizer,
	pres *presence.Monitor,
	chatStore *chat.Store,
	geo *geofence.Evaluator,
	collab Collaborator,
) *Router {
	return &Router{
		logger:  logger.With(slog.String("component", "event_router")),
		reg:     reg,
		bcast:   bcast,
		trips:   trips,
		pres:    pres,
		chat:    chatStore,
		geo:     geo,
		collab:  collab,
		rootCtx: rootCtx,
	}
}

// HandleMessage is the transport's inbound callback. A bad message never
// takes down anything beyond this event; per-connection failures are
// isolated to that connection.
func (rt *Router) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		metrics.EventsDropped.WithLabelValues("decode").Inc()
		rt.logger.Warn("Failed to unmarshal client message", "connID", connID, "error", err)
		return
	}

	conn, ok := rt.reg.Get(connID)
	if !ok {
		rt.logger.Error("Message from unregistered connection", "connID", connID)
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	if env.Event == protocol.EventJoinRoom {
		rt.handleJoin(ctx, conn, env.Payload)
		return
	}

	// Every other inbound event must carry the room the connection has
	// actually joined, or it is silently dropped. Membership is read through
	// the registry; a kick or cycle may rewrite it concurrently.
	roomID := gjson.GetBytes(env.Payload, "roomId").String()
	if roomID == "" || roomID != rt.reg.CurrentRoom(connID) {
		metrics.EventsDropped.WithLabelValues("not_in_room").Inc()
		rt.logger.Debug("Dropped event for unjoined room", "event", env.Event, "connID", connID, "roomID", roomID)
		return
	}

	// Any accepted activity refreshes lastSeen; location updates refresh
	// lastMovement as well inside their handler.
	if env.Event != protocol.EventLocationUpdate {
		rt.pres.Touch(roomID, conn.UserID)
	}

	switch env.Event {
	case protocol.EventLeaveRoom:
		rt.handleLeave(conn, roomID)
	case protocol.EventLocationUpdate:
		rt.handleLocation(ctx, conn, env.Payload)
	case protocol.EventChatMessage:
		rt.handleChatMessage(conn, env.Payload)
	case protocol.EventChatEdit:
		rt.handleChatEdit(conn, env.Payload)
	case protocol.EventChatDelete:
		rt.handleChatDelete(conn, env.Payload)
	case protocol.EventChatSeen:
		rt.handleChatSeen(conn, env.Payload)
	case protocol.EventTripStarted:
		rt.handleTripStarted(ctx, conn, roomID)
	case protocol.EventTripEnded:
		rt.handleTripEnded(ctx, conn, roomID)
	case protocol.EventTripDest:
		rt.handleTripDestination(conn, env.Payload)
	case protocol.EventTripRoute:
		rt.handleTripRoute(conn, env.Payload)
	case protocol.EventCheckpointNew:
		rt.handleCheckpointCreated(ctx, conn, env.Payload)
	case protocol.EventCheckpointDel:
		rt.handleCheckpointDeleted(ctx, conn, env.Payload)
	case protocol.EventSOS:
		rt.handleSOS(conn, env.Payload)
	case protocol.EventRoomKick:
		rt.handleKick(conn, env.Payload)
	case protocol.EventLeaderTransfer:
		rt.handleLeaderTransfer(conn, env.Payload)
	default:
		metrics.EventsDropped.WithLabelValues("unknown_event").Inc()
		rt.logger.Warn("Received unknown event", "event", env.Event, "connID", connID)
	}
}

func (rt *Router) dropForbidden(event string, conn *registry.Connection, roomID string) {
	metrics.EventsDropped.WithLabelValues("forbidden").Inc()
	rt.logger.Debug("Dropped mutating event from non-leader", "event", event, "userID", conn.UserID, "roomID", roomID)
}
