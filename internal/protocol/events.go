package protocol

// Inbound event names (client -> engine).
const (
	EventJoinRoom       = "join-room"
	EventLeaveRoom      = "leave-room"
	EventLocationUpdate = "location:update"
	EventChatMessage    = "chat:message"
	EventChatEdit       = "chat:edit"
	EventChatDelete     = "chat:delete"
	EventChatSeen       = "chat:seen"
	EventTripStarted    = "trip:started"
	EventTripEnded      = "trip:ended"
	EventTripDest       = "trip:destination"
	EventTripRoute      = "trip:route"
	EventCheckpointNew  = "checkpoint:created"
	EventCheckpointDel  = "checkpoint:deleted"
	EventSOS            = "trip:sos"
	EventRoomKick       = "room:kick"
	EventLeaderTransfer = "leader:transfer"
)

// Outbound-only event names (engine -> client).
const (
	EventUserJoined        = "user-joined"
	EventUserLeft          = "user-left"
	EventRoomState         = "room:state"
	EventCheckpointReached = "checkpoint:reached"
	EventDestReached       = "destination:reached"
	EventSOSAuto           = "trip:sos:auto"
	EventIdleAlert         = "trip:alert"
	EventLeaderUpdated     = "leader:updated"
	EventError             = "error"
)
