package protocol

import "errors"

// Failure taxonomy for inbound events. Only ErrUnauthenticated is fatal to
// the connection; everything else is a drop or a requester-only error event.
var (
	ErrUnauthenticated         = errors.New("unauthenticated")
	ErrNotInRoom               = errors.New("not in room")
	ErrForbidden               = errors.New("forbidden")
	ErrNotFound                = errors.New("not found")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
)

// ErrorCode maps a taxonomy error to its wire code for error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrNotInRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrCollaboratorUnavailable):
		return "COLLABORATOR_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
