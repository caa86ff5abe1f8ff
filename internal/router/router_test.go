package router_test

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/omarkhd21/go-caravan/internal/broadcast"
	"github.com/omarkhd21/go-caravan/internal/chat"
	"github.com/omarkhd21/go-caravan/internal/collab"
	"github.com/omarkhd21/go-caravan/internal/geofence"
	"github.com/omarkhd21/go-caravan/internal/presence"
	"github.com/omarkhd21/go-caravan/internal/protocol"
	"github.com/omarkhd21/go-caravan/internal/registry"
	"github.com/omarkhd21/go-caravan/internal/router"
	"github.com/omarkhd21/go-caravan/internal/trip"
	"github.com/omarkhd21/go-caravan/pkg/logging"
)

// --- Test fakes ---

type recordingTransport struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (rt *recordingTransport) Send(message []byte) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.msgs = append(rt.msgs, message)
}

func (rt *recordingTransport) Close(err error) {}

func (rt *recordingTransport) clear() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.msgs = nil
}

// eventsOf decodes recorded frames and returns the payloads of all events
// with the given name.
func (rt *recordingTransport) eventsOf(t *testing.T, name string) []json.RawMessage {
	t.Helper()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []json.RawMessage
	for _, raw := range rt.msgs {
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Event == name {
			out = append(out, env.Payload)
		}
	}
	return out
}

type fakeCollab struct {
	mu          sync.Mutex
	leaderID    string
	tripSeq     int
	cpSeq       int
	failWrites  bool
	failLookups bool
}

func (f *fakeCollab) GetRoom(ctx context.Context, roomID string) (*collab.Room, error) {
	if f.failLookups {
		return nil, protocol.ErrCollaboratorUnavailable
	}
	return &collab.Room{ID: roomID, LeaderID: f.leaderID}, nil
}

func (f *fakeCollab) Profile(ctx context.Context, userID string) (*protocol.Profile, error) {
	if f.failLookups {
		return nil, protocol.ErrCollaboratorUnavailable
	}
	return &protocol.Profile{ID: userID, DisplayName: "name-" + userID}, nil
}

func (f *fakeCollab) CreateTrip(ctx context.Context, roomID string) (string, error) {
	if f.failWrites {
		return "", protocol.ErrCollaboratorUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripSeq++
	return "trip-" + strconv.Itoa(f.tripSeq), nil
}

func (f *fakeCollab) EndTrip(ctx context.Context, tripID string) error {
	if f.failWrites {
		return protocol.ErrCollaboratorUnavailable
	}
	return nil
}

func (f *fakeCollab) CreateCheckpoint(ctx context.Context, roomID string, cp protocol.Checkpoint) (string, error) {
	if f.failWrites {
		return "", protocol.ErrCollaboratorUnavailable
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cpSeq++
	return "cp-" + strconv.Itoa(f.cpSeq), nil
}

func (f *fakeCollab) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	if f.failWrites {
		return protocol.ErrCollaboratorUnavailable
	}
	return nil
}

// --- Harness ---

type harness struct {
	rt    *router.Router
	reg   *registry.Registry
	trips *trip.Synchronizer
	fc    *fakeCollab
}

type client struct {
	id uuid.UUID
	tr *recordingTransport
}

func newHarness(t *testing.T, leaderID string) *harness {
	t.Helper()
	logger := logging.Discard()
	reg := registry.New(logger)
	bcast := broadcast.NewRouter(reg, logger)
	trips := trip.NewSynchronizer(logger)
	chatStore := chat.NewStore(50)
	geo := geofence.NewEvaluator(geofence.Config{CheckpointRadius: 30, DestinationRadius: 15})
	monitor := presence.NewMonitor(presence.Config{
		EvalInterval:     time.Hour,
		OfflineThreshold: time.Minute,
		IdleThreshold:    2 * time.Minute,
	}, func(roomID, userID string, kind presence.AlertKind) {}, logger)
	fc := &fakeCollab{leaderID: leaderID}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rt := router.New(ctx, logger, reg, bcast, trips, monitor, chatStore, geo, fc)
	return &harness{rt: rt, reg: reg, trips: trips, fc: fc}
}

// connect registers a connection and joins it to the room.
func (h *harness) connect(t *testing.T, userID, roomID string) *client {
	t.Helper()
	tr := &recordingTransport{}
	id := uuid.New()
	if _, err := h.reg.Register(id, userID, tr); err != nil {
		t.Fatal(err)
	}
	h.send(t, id, protocol.EventJoinRoom, fmt.Sprintf(`{"roomId":%q}`, roomID))
	return &client{id: id, tr: tr}
}

func (h *harness) send(t *testing.T, connID uuid.UUID, event, payload string) {
	t.Helper()
	msg := fmt.Sprintf(`{"event":%q,"payload":%s}`, event, payload)
	h.rt.HandleMessage(context.Background(), connID, []byte(msg))
}

// --- Scenarios ---

func TestJoinAnnouncesAndReconciles(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")

	joins := alice.tr.eventsOf(t, protocol.EventUserJoined)
	if len(joins) != 1 {
		t.Fatalf("existing member saw %d user-joined events, want 1", len(joins))
	}
	var uj protocol.UserJoined
	if err := json.Unmarshal(joins[0], &uj); err != nil {
		t.Fatal(err)
	}
	if uj.User.ID != "bob" || uj.User.DisplayName != "name-bob" {
		t.Errorf("joined profile = %+v", uj.User)
	}

	// Reconciliation snapshot goes to the joiner only.
	states := bob.tr.eventsOf(t, protocol.EventRoomState)
	if len(states) != 1 {
		t.Fatalf("joiner got %d room:state events, want 1", len(states))
	}
	var rs protocol.RoomState
	if err := json.Unmarshal(states[0], &rs); err != nil {
		t.Fatal(err)
	}
	if rs.Trip.LeaderID != "alice" || len(rs.Members) != 2 {
		t.Errorf("snapshot = %+v", rs)
	}
	if got := bob.tr.eventsOf(t, protocol.EventUserJoined); len(got) != 0 {
		t.Error("joiner should not receive its own join announcement")
	}
}

func TestLocationEchoesToPeersNotSender(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":10,"lng":10}`)

	updates := alice.tr.eventsOf(t, protocol.EventLocationUpdate)
	if len(updates) != 1 {
		t.Fatalf("peer got %d location updates, want 1", len(updates))
	}
	var p protocol.LocationUpdate
	if err := json.Unmarshal(updates[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" || p.Lat != 10 || p.Lng != 10 {
		t.Errorf("payload = %+v", p)
	}
	if got := bob.tr.eventsOf(t, protocol.EventLocationUpdate); len(got) != 0 {
		t.Error("sender received its own echo")
	}
}

func TestEventForUnjoinedRoomDropped(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()

	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"other","lat":1,"lng":1}`)
	h.send(t, bob.id, protocol.EventLocationUpdate, `{"lat":1,"lng":1}`)

	if got := alice.tr.eventsOf(t, protocol.EventLocationUpdate); len(got) != 0 {
		t.Errorf("events for an unjoined room must be dropped, got %d", len(got))
	}
}

func TestCheckpointArrivalScenario(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")

	h.send(t, alice.id, protocol.EventTripStarted, `{"roomId":"r1"}`)
	h.send(t, alice.id, protocol.EventCheckpointNew,
		`{"roomId":"r1","checkpoint":{"title":"meet here","point":{"lat":12.000,"lng":77.000}}}`)
	alice.tr.clear()
	bob.tr.clear()

	// ~39 m away: outside the 30 m radius, nothing fires.
	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":12.00025,"lng":77.00025}`)
	if got := alice.tr.eventsOf(t, protocol.EventCheckpointReached); len(got) != 0 {
		t.Fatal("arrival fired outside the radius")
	}

	// ~16 m away: inside the radius, fires exactly once for everyone.
	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":12.0001,"lng":77.0001}`)
	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":12.0001,"lng":77.0001}`)

	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		got := c.tr.eventsOf(t, protocol.EventCheckpointReached)
		if len(got) != 1 {
			t.Fatalf("%s saw %d checkpoint:reached events, want exactly 1", name, len(got))
		}
		var p protocol.CheckpointReached
		if err := json.Unmarshal(got[0], &p); err != nil {
			t.Fatal(err)
		}
		if p.CheckpointID != "cp-1" {
			t.Errorf("%s: checkpointId = %q, want cp-1", name, p.CheckpointID)
		}
	}

	snap, _ := h.trips.Snapshot("r1")
	if len(snap.Checkpoints) != 0 {
		t.Error("reached checkpoint still in the shared list")
	}
}

func TestNonLeaderMutationSilentlyDropped(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, bob.id, protocol.EventTripDest,
		`{"roomId":"r1","destination":{"lat":1,"lng":1,"label":"rogue"}}`)

	if got := alice.tr.eventsOf(t, protocol.EventTripDest); len(got) != 0 {
		t.Error("non-leader mutation was broadcast")
	}
	if got := bob.tr.eventsOf(t, protocol.EventError); len(got) != 0 {
		t.Error("drop should be silent, no error echo")
	}
	snap, _ := h.trips.Snapshot("r1")
	if snap.Destination != nil {
		t.Error("non-leader mutation changed trip state")
	}
}

func TestLeaderTransferConverges(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	h.send(t, alice.id, protocol.EventTripStarted, `{"roomId":"r1"}`)
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, alice.id, protocol.EventLeaderTransfer, `{"roomId":"r1","newLeaderId":"bob"}`)

	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		got := c.tr.eventsOf(t, protocol.EventLeaderUpdated)
		if len(got) != 1 {
			t.Fatalf("%s saw %d leader:updated events, want 1", name, len(got))
		}
		var p protocol.LeaderUpdated
		if err := json.Unmarshal(got[0], &p); err != nil {
			t.Fatal(err)
		}
		if p.NewLeaderID != "bob" || p.Trip.LeaderID != "bob" {
			t.Errorf("%s: snapshot disagrees on leader: %+v", name, p)
		}
	}

	// Stale leader status gates nothing after the transfer.
	alice.tr.clear()
	bob.tr.clear()
	h.send(t, alice.id, protocol.EventTripDest, `{"roomId":"r1","destination":{"lat":1,"lng":1}}`)
	if got := bob.tr.eventsOf(t, protocol.EventTripDest); len(got) != 0 {
		t.Error("old leader still able to mutate after transfer")
	}
	h.send(t, bob.id, protocol.EventTripDest, `{"roomId":"r1","destination":{"lat":2,"lng":2}}`)
	if got := alice.tr.eventsOf(t, protocol.EventTripDest); len(got) != 1 {
		t.Error("new leader unable to mutate after transfer")
	}
}

func TestDestinationRequiresOngoingTrip(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	// Even the leader cannot set a destination before the trip starts.
	h.send(t, alice.id, protocol.EventTripDest,
		`{"roomId":"r1","destination":{"lat":12.0,"lng":77.0}}`)

	if got := bob.tr.eventsOf(t, protocol.EventTripDest); len(got) != 0 {
		t.Error("destination set outside an ongoing trip was broadcast")
	}
	snap, _ := h.trips.Snapshot("r1")
	if snap.Destination != nil {
		t.Error("destination stuck to an idle trip")
	}

	// No arrival can fire from a destination that was never accepted.
	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":12.0,"lng":77.0}`)
	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		if got := c.tr.eventsOf(t, protocol.EventDestReached); len(got) != 0 {
			t.Errorf("%s saw destination:reached outside an ongoing trip", name)
		}
	}
}

func TestCheckpointCreateDeliversServerIDToEveryone(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	h.send(t, alice.id, protocol.EventTripStarted, `{"roomId":"r1"}`)
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, alice.id, protocol.EventCheckpointNew,
		`{"roomId":"r1","checkpoint":{"title":"fuel stop","point":{"lat":1,"lng":2}}}`)

	// One identical frame per member, the creator included, carrying the
	// record id the collaborator assigned.
	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		got := c.tr.eventsOf(t, protocol.EventCheckpointNew)
		if len(got) != 1 {
			t.Fatalf("%s saw %d checkpoint:created events, want 1", name, len(got))
		}
		var p protocol.CheckpointCreated
		if err := json.Unmarshal(got[0], &p); err != nil {
			t.Fatal(err)
		}
		if p.Checkpoint.ID != "cp-1" || p.Checkpoint.CreatorID != "alice" {
			t.Errorf("%s: checkpoint = %+v", name, p.Checkpoint)
		}
	}
}

func TestManualSOSReachesEveryoneIncludingSender(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, bob.id, protocol.EventSOS, `{"roomId":"r1","reason":"flat tire"}`)

	for name, c := range map[string]*client{"alice": alice, "bob": bob} {
		got := c.tr.eventsOf(t, protocol.EventSOS)
		if len(got) != 1 {
			t.Fatalf("%s saw %d SOS events, want 1", name, len(got))
		}
		var p protocol.SOS
		if err := json.Unmarshal(got[0], &p); err != nil {
			t.Fatal(err)
		}
		if p.UserID != "bob" || p.Reason != "flat tire" {
			t.Errorf("%s: payload = %+v", name, p)
		}
	}
}

func TestKickDetachesTarget(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, alice.id, protocol.EventRoomKick, `{"roomId":"r1","targetUserId":"bob"}`)

	// The kick announcement reaches the target before detachment.
	if got := bob.tr.eventsOf(t, protocol.EventRoomKick); len(got) != 1 {
		t.Error("kicked user did not see the kick event")
	}
	if got := alice.tr.eventsOf(t, protocol.EventRoomKick); len(got) != 1 {
		t.Error("remaining member did not see the kick event")
	}

	bob.tr.clear()
	h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":1,"lng":1}`)
	if got := alice.tr.eventsOf(t, protocol.EventLocationUpdate); len(got) != 0 {
		t.Error("kicked user can still broadcast into the room")
	}
}

func TestKickRacesWithSenderEvents(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")

	// The kicked member keeps sending from its own worker while the leader's
	// worker detaches it; membership reads must stay synchronized.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			h.send(t, bob.id, protocol.EventLocationUpdate, `{"roomId":"r1","lat":1,"lng":1}`)
		}
	}()
	h.send(t, alice.id, protocol.EventRoomKick, `{"roomId":"r1","targetUserId":"bob"}`)
	<-done

	if got := h.reg.CurrentRoom(bob.id); got != "" {
		t.Errorf("kicked connection still in room %q", got)
	}
}

func TestChatFlow(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	h.send(t, bob.id, protocol.EventChatMessage, `{"id":"m1","roomId":"r1","type":"text","text":"hello"}`)
	h.send(t, bob.id, protocol.EventChatMessage, `{"id":"m1","roomId":"r1","type":"text","text":"hello"}`)

	msgs := alice.tr.eventsOf(t, protocol.EventChatMessage)
	if len(msgs) != 1 {
		t.Fatalf("peer saw %d chat messages, want 1 (duplicate suppressed)", len(msgs))
	}
	var m protocol.ChatMessage
	if err := json.Unmarshal(msgs[0], &m); err != nil {
		t.Fatal(err)
	}
	if m.SenderID != "bob" || m.SentAt.IsZero() {
		t.Errorf("server-side enrichment missing: %+v", m)
	}

	// A late joiner replays the buffered message.
	carol := h.connect(t, "carol", "r1")
	states := carol.tr.eventsOf(t, protocol.EventRoomState)
	if len(states) != 1 {
		t.Fatal("late joiner missing reconciliation snapshot")
	}
	var rs protocol.RoomState
	if err := json.Unmarshal(states[0], &rs); err != nil {
		t.Fatal(err)
	}
	if len(rs.RecentChat) != 1 || rs.RecentChat[0].ID != "m1" {
		t.Errorf("recent chat not replayed: %+v", rs.RecentChat)
	}
}

func TestCollaboratorFailureIsRequesterOnly(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()
	bob.tr.clear()

	h.fc.failWrites = true
	h.send(t, alice.id, protocol.EventTripStarted, `{"roomId":"r1"}`)

	if got := alice.tr.eventsOf(t, protocol.EventError); len(got) != 1 {
		t.Error("requester should get an error acknowledgment")
	}
	if got := bob.tr.eventsOf(t, protocol.EventError); len(got) != 0 {
		t.Error("collaborator failure leaked to other members")
	}
	if got := bob.tr.eventsOf(t, protocol.EventTripStarted); len(got) != 0 {
		t.Error("trip started despite collaborator failure")
	}
	snap, _ := h.trips.Snapshot("r1")
	if snap.Status != "idle" {
		t.Errorf("trip status = %q, want idle", snap.Status)
	}
}

func TestDisconnectCascadesToMemberLeft(t *testing.T) {
	h := newHarness(t, "alice")
	alice := h.connect(t, "alice", "r1")
	bob := h.connect(t, "bob", "r1")
	alice.tr.clear()

	h.rt.HandleDisconnect(bob.id)

	lefts := alice.tr.eventsOf(t, protocol.EventUserLeft)
	if len(lefts) != 1 {
		t.Fatalf("peer saw %d user-left events, want 1", len(lefts))
	}
	var p protocol.UserLeft
	if err := json.Unmarshal(lefts[0], &p); err != nil {
		t.Fatal(err)
	}
	if p.UserID != "bob" {
		t.Errorf("userId = %q, want bob", p.UserID)
	}
	if _, found := h.reg.Get(bob.id); found {
		t.Error("connection record survived disconnect")
	}

	// Second connection of the same user: no user-left until the last one
	// goes.
	b1 := h.connect(t, "carol", "r1")
	b2 := h.connect(t, "carol", "r1")
	alice.tr.clear()
	h.rt.HandleDisconnect(b1.id)
	if got := alice.tr.eventsOf(t, protocol.EventUserLeft); len(got) != 0 {
		t.Error("user-left fired while another connection remained")
	}
	h.rt.HandleDisconnect(b2.id)
	if got := alice.tr.eventsOf(t, protocol.EventUserLeft); len(got) != 1 {
		t.Error("user-left missing after last connection closed")
	}
}
