package channel

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"spotter/internal/metrics"
	"spotter/pkg/types"
)

// Sender is the write side of an attached client channel.
type Sender interface {
	WriteJSON(v any) error
	Close() error
}

// attachment is the ephemeral connection record: one per (session, role),
// destroyed on detach or session termination. Never persisted.
type attachment struct {
	conn            Sender
	attachedAt      time.Time
	lastHeartbeatAt time.Time
}

// Multiplexer maps each session to its currently connected parties (0-2:
// trainer and student) and broadcasts state-change events to all of them.
// Delivery is best-effort: a detached party misses live events and
// reconciles through the snapshot it receives on reattach.
type Multiplexer struct {
	mu       sync.RWMutex
	sessions map[string]map[types.Role]*attachment
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewMultiplexer creates an empty channel multiplexer.
func NewMultiplexer(logger *zap.Logger, m *metrics.Metrics) *Multiplexer {
	return &Multiplexer{
		sessions: make(map[string]map[types.Role]*attachment),
		logger:   logger,
		metrics:  m,
	}
}

// SnapshotFunc builds the authoritative session view at attach time.
type SnapshotFunc func() (*types.Snapshot, error)

// Attach registers a connection for a (session, role), replacing any prior
// connection for the same slot: only one active device per role per
// session is meaningful, so the last writer wins on reconnect. The full
// state snapshot is sent as the first frame, which makes reattachment
// idempotent without an event log.
//
// The connection is registered before the snapshot is built. A transition
// committing while the snapshot loads is therefore either reflected in the
// snapshot or broadcast to the already-registered connection; the event
// Version lets the client discard deliveries older than the snapshot.
func (m *Multiplexer) Attach(sessionID string, role types.Role, conn Sender, snapshot SnapshotFunc) error {
	if conn == nil {
		return ErrNilConnection
	}

	now := time.Now()

	m.mu.Lock()
	slots := m.sessions[sessionID]
	if slots == nil {
		slots = make(map[types.Role]*attachment)
		m.sessions[sessionID] = slots
	}
	prior := slots[role]
	slots[role] = &attachment{conn: conn, attachedAt: now, lastHeartbeatAt: now}
	m.mu.Unlock()

	if prior != nil {
		// Close the replaced connection asynchronously; its owner may be
		// blocked in a write.
		go func() {
			if err := prior.conn.Close(); err != nil {
				m.logger.Debug("failed to close replaced connection",
					zap.String("session_id", sessionID), zap.Error(err))
			}
		}()
	} else {
		m.metrics.ConnectedChannels.Inc()
	}

	snap, err := snapshot()
	if err != nil {
		m.Detach(sessionID, role, conn)
		return err
	}

	ev := &types.Event{
		Type:             types.EventSnapshot,
		SessionID:        snap.SessionID,
		State:            snap.State,
		Version:          snap.Version,
		ElapsedSeconds:   snap.ElapsedSeconds,
		PlannedSeconds:   snap.PlannedSeconds,
		RemainingSeconds: snap.RemainingSeconds,
		StartedAt:        snap.StartedAt,
		ServerTime:       snap.ServerTime,
		Reason:           snap.Reason,
	}
	if err := conn.WriteJSON(ev); err != nil {
		m.logger.Warn("failed to deliver attach snapshot",
			zap.String("session_id", sessionID), zap.String("role", string(role)), zap.Error(err))
		m.Detach(sessionID, role, conn)
		return err
	}

	m.logger.Info("channel attached",
		zap.String("session_id", sessionID), zap.String("role", string(role)))
	return nil
}

// Detach removes a connection. It only removes the given connection
// instance, so a stale connection's cleanup never detaches its
// replacement. Idempotent.
func (m *Multiplexer) Detach(sessionID string, role types.Role, conn Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slots, exists := m.sessions[sessionID]
	if !exists {
		return
	}
	current, exists := slots[role]
	if !exists || current.conn != conn {
		return
	}

	delete(slots, role)
	if len(slots) == 0 {
		delete(m.sessions, sessionID)
	}
	m.metrics.ConnectedChannels.Dec()
}

// Broadcast delivers an event to all currently attached channels for the
// session. Failures are swallowed; snapshot-on-attach is the recovery
// path, not retried push.
func (m *Multiplexer) Broadcast(sessionID string, ev *types.Event) {
	m.mu.RLock()
	conns := make([]Sender, 0, 2)
	for _, a := range m.sessions[sessionID] {
		conns = append(conns, a.conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(ev); err != nil {
			m.metrics.Broadcasts.WithLabelValues("dropped").Inc()
			m.logger.Debug("broadcast delivery failed",
				zap.String("session_id", sessionID),
				zap.String("event", string(ev.Type)), zap.Error(err))
			continue
		}
		m.metrics.Broadcasts.WithLabelValues("delivered").Inc()
	}
}

// Touch records channel-level liveness for a connected party.
func (m *Multiplexer) Touch(sessionID string, role types.Role, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, exists := m.sessions[sessionID][role]; exists {
		a.lastHeartbeatAt = at
	}
}

// CloseSession closes and removes every channel attached to a session.
// Called when a session reaches a terminal state.
func (m *Multiplexer) CloseSession(sessionID string) {
	m.mu.Lock()
	slots := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	for role, a := range slots {
		m.metrics.ConnectedChannels.Dec()
		if err := a.conn.Close(); err != nil {
			m.logger.Debug("failed to close channel on session end",
				zap.String("session_id", sessionID), zap.String("role", string(role)), zap.Error(err))
		}
	}
}

// Stats reports attachment counts for health reporting.
func (m *Multiplexer) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := 0
	for _, slots := range m.sessions {
		total += len(slots)
	}
	return map[string]int{
		"attached_channels": total,
		"live_sessions":     len(m.sessions),
	}
}
