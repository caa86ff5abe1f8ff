package protocol

import (
	"time"

	"github.com/goccy/go-json"
)

// Envelope is the framing for every message on the socket, in both
// directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal frames an event with its payload for the wire.
func Marshal(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Destination is the active trip target.
type Destination struct {
	Point
	Label string `json:"label,omitempty"`
}

type Checkpoint struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Tag       string    `json:"tag,omitempty"`
	Point     Point     `json:"point"`
	CreatorID string    `json:"creatorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Profile is the public slice of a user shown to room peers.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// --- inbound payloads ---

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LocationUpdate struct {
	RoomID string  `json:"roomId"`
	UserID string  `json:"userId,omitempty"` // set by the engine on fan-out
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Type      string    `json:"type"` // text, image, voice, system
	Text      string    `json:"text,omitempty"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	AudioData string    `json:"audioData,omitempty"`
	SenderID  string    `json:"senderId,omitempty"`
	SentAt    time.Time `json:"sentAt,omitempty"`
	Edited    bool      `json:"edited,omitempty"`
	SeenBy    []string  `json:"seenBy,omitempty"`
}

type ChatEdit struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

type ChatDelete struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
}

type ChatSeen struct {
	MsgID  string `json:"msgId"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type TripLifecycle struct {
	RoomID string `json:"roomId"`
}

type TripDestination struct {
	RoomID      string       `json:"roomId"`
	Destination *Destination `json:"destination"` // null clears
}

type TripRoute struct {
	RoomID    string  `json:"roomId"`
	RoutePath []Point `json:"routePath"` // null clears
}

type CheckpointCreated struct {
	RoomID     string     `json:"roomId"`
	Checkpoint Checkpoint `json:"checkpoint"`
}

type CheckpointDeleted struct {
	RoomID       string `json:"roomId"`
	CheckpointID string `json:"checkpointId"`
}

type SOS struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId,omitempty"` // set by the engine on fan-out
	Reason string `json:"reason,omitempty"`
}

type RoomKick struct {
	RoomID       string `json:"roomId"`
	TargetUserID string `json:"targetUserId"`
}

type LeaderTransfer struct {
	RoomID      string `json:"roomId"`
	NewLeaderID string `json:"newLeaderId"`
}

// --- outbound payloads ---

type UserJoined struct {
	User Profile `json:"user"`
}

type UserLeft struct {
	UserID string `json:"userId"`
}

// TripSnapshot is the authoritative trip view sent on reconciliation and
// leader change.
type TripSnapshot struct {
	Status      string       `json:"status"` // idle, ongoing, completed
	TripID      string       `json:"tripId,omitempty"`
	Destination *Destination `json:"destination,omitempty"`
	Route       []Point      `json:"route,omitempty"`
	Checkpoints []Checkpoint `json:"checkpoints"`
	LeaderID    string       `json:"leaderId"`
}

type RoomState struct {
	RoomID     string        `json:"roomId"`
	Trip       TripSnapshot  `json:"trip"`
	Members    []Profile     `json:"members"`
	RecentChat []ChatMessage `json:"recentChat"`
}

type CheckpointReached struct {
	RoomID       string `json:"roomId"`
	CheckpointID string `json:"checkpointId"`
}

type DestinationReached struct {
	RoomID string `json:"roomId"`
}

type AutoSOS struct {
	UserID string `json:"userId"`
	Type   string `json:"type"` // "offline"
}

type IdleAlert struct {
	UserID string `json:"userId"`
	Type   string `json:"type"` // "idle"
}

type LeaderUpdated struct {
	RoomID      string       `json:"roomId"`
	NewLeaderID string       `json:"newLeaderId"`
	Trip        TripSnapshot `json:"trip"`
}

type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
