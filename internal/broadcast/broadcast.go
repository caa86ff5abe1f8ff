package broadcast

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/omarkhd21/go-caravan/internal/metrics"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
)

// Router is the fan-out primitive every feature builds on. Delivery is
// best-effort; per-room per-sender ordering holds because Broadcast runs
// synchronously inside the sender's connection worker and each recipient's
// transport drains its send buffer in FIFO order.
type Router struct {
	reg    *registry.Registry
	logger *slog.Logger
}

func NewRouter(reg *registry.Registry, logger *slog.Logger) *Router {
	return &Router{
		reg:    reg,
		logger: logger.With(slog.String("component", "broadcast_router")),
	}
}

// Broadcast delivers the event to every connection currently in the room,
// skipping the originating connection when excludeSender is set. Engine-
// originated events pass uuid.Nil as sender.
func (r *Router) Broadcast(roomID string, sender uuid.UUID, event string, payload any, excludeSender bool) {
	raw, err := protocol.Marshal(event, payload)
	if err != nil {
		r.logger.Error("Failed to marshal broadcast payload", "event", event, "error", err)
		return
	}

	members := r.reg.Members(roomID)
	delivered := 0
	for _, conn := range members {
		if excludeSender && conn.ID == sender {
			continue
		}
		conn.Transport.Send(raw)
		delivered++
	}
	metrics.Broadcasts.WithLabelValues(event).Inc()
	r.logger.Debug("Broadcast delivered", "event", event, "roomID", roomID, "recipients", delivered)
}

// SendTo delivers an event to a single connection, for reconciliation
// snapshots and requester-only error acknowledgments.
func (r *Router) SendTo(conn *registry.Connection, event string, payload any) {
	raw, err := protocol.Marshal(event, payload)
	if err != nil {
		r.logger.Error("Failed to marshal direct payload", "event", event, "error", err)
		return
	}
	conn.Transport.Send(raw)
}

// SendError sends a requester-only error acknowledgment. Failures are never
// broadcast to unrelated members.
func (r *Router) SendError(conn *registry.Connection, err error, message string) {
	r.SendTo(conn, protocol.EventError, protocol.ErrorEvent{
		Code:    protocol.ErrorCode(err),
		Message: message,
	})
}
