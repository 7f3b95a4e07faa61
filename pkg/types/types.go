package types

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateRequested         State = "requested"
	StatePendingAcceptance State = "pending_acceptance"
	StateActive            State = "active"
	StatePaused            State = "paused"
	StateCheckedOut        State = "checked_out"
	StateRejected          State = "rejected"
	StateExpired           State = "expired"
	StateCancelled         State = "cancelled"
)

// Terminal reports whether the state is final. Terminal sessions are
// immutable and no longer participate in liveness checks or broadcasts.
func (s State) Terminal() bool {
	switch s {
	case StateCheckedOut, StateRejected, StateExpired, StateCancelled:
		return true
	}
	return false
}

// Role identifies a session participant.
type Role string

const (
	RoleTrainer Role = "trainer"
	RoleStudent Role = "student"
)

// Valid reports whether the role is one of the two known participant roles.
func (r Role) Valid() bool {
	return r == RoleTrainer || r == RoleStudent
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Segment is a contiguous interval during which a session was active.
// An open segment has a nil EndedAt. Elapsed time is always recomputed
// from segment boundaries, never accumulated from client deltas.
type Segment struct {
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Session is the authoritative record of one supervised training session
// between a trainer and a student. State is only mutated through the
// state machine engine; Version increments on every mutation.
type Session struct {
	ID        string `json:"id"`
	TrainerID string `json:"trainer_id"`
	StudentID string `json:"student_id"`

	State   State `json:"state"`
	Version int64 `json:"version"`

	RequireProximity bool      `json:"require_proximity"`
	Location         *GeoPoint `json:"location,omitempty"`
	RadiusMeters     float64   `json:"radius_meters,omitempty"`

	// PlannedSeconds is the requested fixed duration; 0 means open-ended.
	PlannedSeconds int64     `json:"planned_seconds,omitempty"`
	Segments       []Segment `json:"segments,omitempty"`

	Reason string `json:"reason,omitempty"`
	Notes  string `json:"notes,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	StateChangedAt time.Time  `json:"state_changed_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CheckedOutAt   *time.Time `json:"checked_out_at,omitempty"`

	TrainerHeartbeatAt *time.Time `json:"trainer_heartbeat_at,omitempty"`
	StudentHeartbeatAt *time.Time `json:"student_heartbeat_at,omitempty"`
}

// ParticipantRole maps a verified user ID to its role in this session.
func (s *Session) ParticipantRole(userID string) (Role, bool) {
	switch userID {
	case s.TrainerID:
		return RoleTrainer, true
	case s.StudentID:
		return RoleStudent, true
	}
	return "", false
}

// HeartbeatFor returns the last heartbeat timestamp recorded for a role.
func (s *Session) HeartbeatFor(role Role) *time.Time {
	if role == RoleTrainer {
		return s.TrainerHeartbeatAt
	}
	return s.StudentHeartbeatAt
}

// LastSeen returns the most recent liveness signal across both parties,
// falling back to the last state change when no heartbeat was recorded.
func (s *Session) LastSeen() time.Time {
	last := s.StateChangedAt
	if s.TrainerHeartbeatAt != nil && s.TrainerHeartbeatAt.After(last) {
		last = *s.TrainerHeartbeatAt
	}
	if s.StudentHeartbeatAt != nil && s.StudentHeartbeatAt.After(last) {
		last = *s.StudentHeartbeatAt
	}
	return last
}

// Clone returns a deep copy so stores can hand out sessions without
// sharing mutable segment slices with callers.
func (s *Session) Clone() *Session {
	c := *s
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	if len(s.Segments) > 0 {
		c.Segments = make([]Segment, len(s.Segments))
		copy(c.Segments, s.Segments)
	}
	c.StartedAt = cloneTime(s.StartedAt)
	c.CheckedOutAt = cloneTime(s.CheckedOutAt)
	c.TrainerHeartbeatAt = cloneTime(s.TrainerHeartbeatAt)
	c.StudentHeartbeatAt = cloneTime(s.StudentHeartbeatAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
