package trip

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/omarkhd21/go-caravan/internal/protocol"
)

type Status int

const (
	StatusIdle Status = iota
	StatusOngoing
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusOngoing:
		return "ongoing"
	case StatusCompleted:
		return "completed"
	default:
		return "idle"
	}
}

var errBadTransition = errors.New("invalid trip state transition")

// state is the authoritative, leader-writable trip view of one room.
// The reached set guarantees at-most-once arrival firing per trip.
type state struct {
	status      Status
	tripID      string
	destination *protocol.Destination
	route       []protocol.Point
	checkpoints []protocol.Checkpoint
	leaderID    string
	reached     map[string]struct{}
}

// Synchronizer owns the mutable trip state of every room. Mutations are
// policy-restricted to the current leader; the leader is re-derived from
// this state on every call, never taken from client-supplied flags.
type Synchronizer struct {
	mu     sync.RWMutex
	rooms  map[string]*state
	logger *slog.Logger
}

func NewSynchronizer(logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		rooms:  make(map[string]*state),
		logger: logger.With(slog.String("component", "trip_synchronizer")),
	}
}

// Ensure creates the room's trip state if absent. leaderID is only applied
// on creation; an existing room keeps its current leader.
func (s *Synchronizer) Ensure(roomID, leaderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return
	}
	s.rooms[roomID] = &state{
		leaderID: leaderID,
		reached:  make(map[string]struct{}),
	}
	s.logger.Debug("Trip state initialized", "roomID", roomID, "leaderID", leaderID)
}

// Drop discards a room's trip state. Called when the room empties.
func (s *Synchronizer) Drop(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *Synchronizer) IsLeader(roomID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	return ok && st.leaderID == userID
}

// Snapshot returns a deep copy of the room's trip state for reconciliation.
func (s *Synchronizer) Snapshot(roomID string) (protocol.TripSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return protocol.TripSnapshot{}, false
	}
	return st.snapshot(), true
}

func (st *state) snapshot() protocol.TripSnapshot {
	snap := protocol.TripSnapshot{
		Status:      st.status.String(),
		TripID:      st.tripID,
		Checkpoints: make([]protocol.Checkpoint, len(st.checkpoints)),
		LeaderID:    st.leaderID,
	}
	copy(snap.Checkpoints, st.checkpoints)
	if st.destination != nil {
		d := *st.destination
		snap.Destination = &d
	}
	if st.route != nil {
		snap.Route = make([]protocol.Point, len(st.route))
		copy(snap.Route, st.route)
	}
	return snap
}

// leaderState resolves the room and enforces the leader-only mutation rule.
// Callers must hold s.mu.
func (s *Synchronizer) leaderState(roomID, actorID string) (*state, error) {
	st, ok := s.rooms[roomID]
	if !ok {
		return nil, protocol.ErrNotFound
	}
	if st.leaderID != actorID {
		return nil, protocol.ErrForbidden
	}
	return st, nil
}

// ongoingLeaderState additionally requires an ongoing trip: destination,
// route and checkpoints are only mutable while the trip runs. Callers must
// hold s.mu.
func (s *Synchronizer) ongoingLeaderState(roomID, actorID string) (*state, error) {
	st, err := s.leaderState(roomID, actorID)
	if err != nil {
		return nil, err
	}
	if st.status != StatusOngoing {
		return nil, errBadTransition
	}
	return st, nil
}

// Start transitions Idle -> Ongoing and clears stale arrival records from a
// previous trip.
func (s *Synchronizer) Start(roomID, actorID, tripID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.leaderState(roomID, actorID)
	if err != nil {
		return err
	}
	if st.status == StatusOngoing {
		return errBadTransition
	}
	st.status = StatusOngoing
	st.tripID = tripID
	st.checkpoints = nil
	st.reached = make(map[string]struct{})
	return nil
}

// End transitions Ongoing -> Completed and clears destination, route and
// checkpoints. The room persists for a later trip.
func (s *Synchronizer) End(roomID, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.leaderState(roomID, actorID)
	if err != nil {
		return err
	}
	if st.status != StatusOngoing {
		return errBadTransition
	}
	st.status = StatusCompleted
	st.tripID = ""
	st.destination = nil
	st.route = nil
	st.checkpoints = nil
	st.reached = make(map[string]struct{})
	return nil
}

func (s *Synchronizer) SetDestination(roomID, actorID string, dest *protocol.Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.ongoingLeaderState(roomID, actorID)
	if err != nil {
		return err
	}
	st.destination = dest
	return nil
}

func (s *Synchronizer) SetRoute(roomID, actorID string, route []protocol.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.ongoingLeaderState(roomID, actorID)
	if err != nil {
		return err
	}
	st.route = route
	return nil
}

func (s *Synchronizer) AddCheckpoint(roomID, actorID string, cp protocol.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.ongoingLeaderState(roomID, actorID)
	if err != nil {
		return err
	}
	st.checkpoints = append(st.checkpoints, cp)
	return nil
}

// DeleteCheckpoint removes a checkpoint and marks it reached so that a
// racing arrival check cannot resurrect it.
func (s *Synchronizer) DeleteCheckpoint(roomID, actorID, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.ongoingLeaderState(roomID, actorID)
	if err != nil {
		return err
	}
	if !st.removeCheckpoint(checkpointID) {
		return protocol.ErrNotFound
	}
	st.reached[checkpointID] = struct{}{}
	return nil
}

func (st *state) removeCheckpoint(checkpointID string) bool {
	for i, cp := range st.checkpoints {
		if cp.ID == checkpointID {
			st.checkpoints = append(st.checkpoints[:i], st.checkpoints[i+1:]...)
			return true
		}
	}
	return false
}

// ReachCheckpoint fires the arrival for a checkpoint at most once per trip:
// it reports true only if the checkpoint still exists and has not fired
// before, removing it from the shared list in the same critical section.
// A checkpoint deleted concurrently is treated as already handled.
func (s *Synchronizer) ReachCheckpoint(roomID, checkpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	if _, fired := st.reached[checkpointID]; fired {
		return false
	}
	if !st.removeCheckpoint(checkpointID) {
		return false
	}
	st.reached[checkpointID] = struct{}{}
	return true
}

// ReachDestination fires the destination arrival once, clearing the
// destination so it cannot re-fire. A destination cleared concurrently is
// treated as already handled.
func (s *Synchronizer) ReachDestination(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok || st.destination == nil {
		return false
	}
	st.destination = nil
	return true
}

// TransferLeader atomically swaps the leader and returns the resulting
// snapshot, so every member can be told about the change in one logical
// step.
func (s *Synchronizer) TransferLeader(roomID, actorID, newLeaderID string) (protocol.TripSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.leaderState(roomID, actorID)
	if err != nil {
		return protocol.TripSnapshot{}, err
	}
	st.leaderID = newLeaderID
	s.logger.Info("Leader transferred", "roomID", roomID, "from", actorID, "to", newLeaderID)
	return st.snapshot(), nil
}
