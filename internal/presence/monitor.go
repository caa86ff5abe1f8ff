package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type AlertKind string

const (
	AlertOffline AlertKind = "offline"
	AlertIdle    AlertKind = "idle"
)

// AlertFunc receives derived safety alerts. It must not block; it runs on
// the monitor's timer goroutines, never on the event-processing path.
type AlertFunc func(roomID, userID string, kind AlertKind)

type Config struct {
	EvalInterval     time.Duration
	OfflineThreshold time.Duration
	IdleThreshold    time.Duration
}

type key struct {
	roomID string
	userID string
}

// state holds the two monotonic timestamps the evaluator reads. Both reset
// to now when their alert fires, so an alert fires once per threshold
// crossing and the window restarts, rather than once per tick.
type state struct {
	lastSeen     time.Time
	lastMovement time.Time
	cancel       context.CancelFunc
}

// Monitor tracks last-seen/last-movement per (room, user) and promotes
// staleness into offline and idle alerts on a fixed evaluation interval.
// Each tracked pair owns one watch goroutine, started on the user's first
// join and cancelled exactly once when their last connection leaves.
type Monitor struct {
	mu     sync.Mutex
	states map[key]*state
	cfg    Config
	emit   AlertFunc
	logger *slog.Logger
}

func NewMonitor(cfg Config, emit AlertFunc, logger *slog.Logger) *Monitor {
	return &Monitor{
		states: make(map[key]*state),
		cfg:    cfg,
		emit:   emit,
		logger: logger.With(slog.String("component", "presence_monitor")),
	}
}

// Start begins tracking a (room, user) pair and spawns its watch goroutine.
// No-op if the pair is already tracked (a second connection of the same
// user joined).
func (m *Monitor) Start(ctx context.Context, roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{roomID: roomID, userID: userID}
	if _, ok := m.states[k]; ok {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	m.states[k] = &state{lastSeen: now, lastMovement: now, cancel: cancel}

	go m.watch(watchCtx, roomID, userID)
	m.logger.Debug("Presence tracking started", "roomID", roomID, "userID", userID)
}

// Stop cancels the pair's watch goroutine and forgets its state. Idempotent;
// called when the user's last connection in the room goes away. A timer
// left running after that point is a leak, not a tolerated race.
func (m *Monitor) Stop(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{roomID: roomID, userID: userID}
	st, ok := m.states[k]
	if !ok {
		return
	}
	st.cancel()
	delete(m.states, k)
	m.logger.Debug("Presence tracking stopped", "roomID", roomID, "userID", userID)
}

// Touch records any inbound activity.
func (m *Monitor) Touch(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[key{roomID: roomID, userID: userID}]; ok {
		st.lastSeen = time.Now()
	}
}

// Movement records a location update, which counts as activity too.
func (m *Monitor) Movement(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[key{roomID: roomID, userID: userID}]; ok {
		now := time.Now()
		st.lastSeen = now
		st.lastMovement = now
	}
}

func (m *Monitor) watch(ctx context.Context, roomID, userID string) {
	ticker := time.NewTicker(m.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Evaluate(roomID, userID, now)
		}
	}
}

// Evaluate runs one staleness pass for the pair. Offline takes precedence
// over idle; at most one alert fires per pass. Exported so tests can drive
// the evaluation clock directly.
func (m *Monitor) Evaluate(roomID, userID string, now time.Time) {
	m.mu.Lock()
	st, ok := m.states[key{roomID: roomID, userID: userID}]
	if !ok {
		m.mu.Unlock()
		return
	}

	var fired AlertKind
	switch {
	case now.Sub(st.lastSeen) > m.cfg.OfflineThreshold:
		st.lastSeen = now
		fired = AlertOffline
	case now.Sub(st.lastMovement) > m.cfg.IdleThreshold:
		st.lastMovement = now
		fired = AlertIdle
	}
	m.mu.Unlock()

	if fired == "" {
		return
	}
	m.logger.Info("Presence alert", "roomID", roomID, "userID", userID, "kind", string(fired))
	m.emit(roomID, userID, fired)
}
