package types

import "time"

// EventType identifies a broadcast event. Every successful transition
// emits exactly one event; snapshots are sent on channel attach.
type EventType string

const (
	EventSnapshot   EventType = "snapshot"
	EventRequested  EventType = "session_requested"
	EventCheckedIn  EventType = "session_checked_in"
	EventAccepted   EventType = "session_accepted"
	EventRejected   EventType = "session_rejected"
	EventCancelled  EventType = "session_cancelled"
	EventPaused     EventType = "session_paused"
	EventResumed    EventType = "session_resumed"
	EventCheckedOut EventType = "session_checked_out"
	EventExpired    EventType = "session_expired"
	EventAdjusted   EventType = "session_adjusted"
)

// Event is the wire payload fanned out to both connected parties after a
// transition. ServerTime lets clients extrapolate elapsed time locally
// between broadcasts; Version lets them discard stale deliveries.
type Event struct {
	Type             EventType  `json:"type"`
	SessionID        string     `json:"session_id"`
	State            State      `json:"state"`
	Version          int64      `json:"version"`
	ElapsedSeconds   int64      `json:"elapsed_seconds"`
	PlannedSeconds   int64      `json:"planned_seconds,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	ServerTime       time.Time  `json:"server_time"`
	Reason           string     `json:"reason,omitempty"`
}

// Snapshot is the full current view of a session returned by mutating
// operations and sent as the first frame on every channel attach, so a
// reconnecting client converges regardless of how many events it missed.
type Snapshot struct {
	SessionID        string     `json:"session_id"`
	TrainerID        string     `json:"trainer_id"`
	StudentID        string     `json:"student_id"`
	State            State      `json:"state"`
	Version          int64      `json:"version"`
	ElapsedSeconds   int64      `json:"elapsed_seconds"`
	PlannedSeconds   int64      `json:"planned_seconds,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CheckedOutAt     *time.Time `json:"checked_out_at,omitempty"`
	ServerTime       time.Time  `json:"server_time"`
	Reason           string     `json:"reason,omitempty"`
}
