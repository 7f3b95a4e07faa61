// Package state enforces legal session transitions. All mutations of a
// session's lifecycle flow through Apply; nothing else writes State,
// Version, or the timer segments. The expiry reaper uses the same entry
// point as user-triggered actions, so expiry carries no special cases.
package state

import (
	"time"

	"spotter/internal/timer"
	"spotter/pkg/types"
)

// Transition names a requested state change.
type Transition string

const (
	TransitionCheckIn  Transition = "check_in"
	TransitionAccept   Transition = "accept"
	TransitionReject   Transition = "reject"
	TransitionCancel   Transition = "cancel"
	TransitionPause    Transition = "pause"
	TransitionResume   Transition = "resume"
	TransitionCheckout Transition = "checkout"
	TransitionExpire   Transition = "expire"
	TransitionAdjust   Transition = "adjust"
)

// Input carries a transition request into the engine.
type Input struct {
	Transition Transition

	// Reason accompanies reject and expire transitions.
	Reason string
	// Notes is an optional free-text note recorded at checkout.
	Notes string
	// PlannedSeconds is the new fixed duration for adjust transitions.
	PlannedSeconds int64
}

// legal maps each transition to the states it may be applied from.
var legal = map[Transition][]types.State{
	TransitionCheckIn:  {types.StateRequested},
	TransitionAccept:   {types.StatePendingAcceptance},
	TransitionReject:   {types.StatePendingAcceptance},
	TransitionCancel:   {types.StateRequested},
	TransitionPause:    {types.StateActive},
	TransitionResume:   {types.StatePaused},
	TransitionCheckout: {types.StateActive, types.StatePaused},
	TransitionExpire:   {types.StatePendingAcceptance, types.StateActive, types.StatePaused},
	TransitionAdjust:   {types.StateActive, types.StatePaused},
}

// target maps each transition to the resulting state. Adjust keeps the
// current state and is handled separately.
var target = map[Transition]types.State{
	TransitionCheckIn:  types.StatePendingAcceptance,
	TransitionAccept:   types.StateActive,
	TransitionReject:   types.StateRejected,
	TransitionCancel:   types.StateCancelled,
	TransitionPause:    types.StatePaused,
	TransitionResume:   types.StateActive,
	TransitionCheckout: types.StateCheckedOut,
	TransitionExpire:   types.StateExpired,
}

var events = map[Transition]types.EventType{
	TransitionCheckIn:  types.EventCheckedIn,
	TransitionAccept:   types.EventAccepted,
	TransitionReject:   types.EventRejected,
	TransitionCancel:   types.EventCancelled,
	TransitionPause:    types.EventPaused,
	TransitionResume:   types.EventResumed,
	TransitionCheckout: types.EventCheckedOut,
	TransitionExpire:   types.EventExpired,
	TransitionAdjust:   types.EventAdjusted,
}

// Apply validates and performs one transition on a loaded session. On
// success the session is mutated in place (state, version, timestamps,
// timer segments) and the single domain event to broadcast is returned.
// The caller holds the per-session lock and persists the session with a
// compare-and-set on the previous version.
func Apply(sess *types.Session, in Input, now time.Time) (*types.Event, error) {
	if !allowed(in.Transition, sess.State) {
		return nil, types.ErrInvalidState
	}

	switch in.Transition {
	case TransitionAccept:
		started := now
		sess.StartedAt = &started
		segs, err := timer.Open(sess.Segments, now)
		if err != nil {
			return nil, err
		}
		sess.Segments = segs

	case TransitionResume:
		segs, err := timer.Open(sess.Segments, now)
		if err != nil {
			return nil, err
		}
		sess.Segments = segs

	case TransitionPause:
		segs, err := timer.Close(sess.Segments, now)
		if err != nil {
			return nil, err
		}
		sess.Segments = segs

	case TransitionCheckout:
		if err := closeIfOpen(sess, now); err != nil {
			return nil, err
		}
		checkedOut := now
		sess.CheckedOutAt = &checkedOut
		if in.Notes != "" {
			sess.Notes = in.Notes
		}

	case TransitionExpire:
		if err := closeIfOpen(sess, now); err != nil {
			return nil, err
		}
		sess.Reason = in.Reason

	case TransitionReject:
		sess.Reason = in.Reason

	case TransitionAdjust:
		if in.PlannedSeconds < 0 {
			return nil, types.ErrInvalidState
		}
		sess.PlannedSeconds = in.PlannedSeconds
	}

	if in.Transition != TransitionAdjust {
		sess.State = target[in.Transition]
	}
	sess.Version++
	sess.StateChangedAt = now

	return NewEvent(events[in.Transition], sess, now), nil
}

// Allowed reports whether a transition is legal from the given state.
func Allowed(tr Transition, from types.State) bool {
	return allowed(tr, from)
}

func allowed(tr Transition, from types.State) bool {
	for _, s := range legal[tr] {
		if s == from {
			return true
		}
	}
	return false
}

func closeIfOpen(sess *types.Session, now time.Time) error {
	if n := len(sess.Segments); n == 0 || sess.Segments[n-1].EndedAt != nil {
		return nil
	}
	segs, err := timer.Close(sess.Segments, now)
	if err != nil {
		return err
	}
	sess.Segments = segs
	return nil
}

// NewEvent builds the broadcast payload for a session at a given instant.
// The server timestamp lets clients extrapolate elapsed time locally
// between broadcasts.
func NewEvent(evType types.EventType, sess *types.Session, now time.Time) *types.Event {
	elapsed := timer.Elapsed(sess.Segments, now)
	return &types.Event{
		Type:             evType,
		SessionID:        sess.ID,
		State:            sess.State,
		Version:          sess.Version,
		ElapsedSeconds:   int64(elapsed / time.Second),
		PlannedSeconds:   sess.PlannedSeconds,
		RemainingSeconds: timer.Remaining(sess.PlannedSeconds, elapsed),
		StartedAt:        sess.StartedAt,
		ServerTime:       now,
		Reason:           sess.Reason,
	}
}

// NewSnapshot builds the full session view sent on (re)attach and returned
// by mutating operations.
func NewSnapshot(sess *types.Session, now time.Time) *types.Snapshot {
	elapsed := timer.Elapsed(sess.Segments, now)
	return &types.Snapshot{
		SessionID:        sess.ID,
		TrainerID:        sess.TrainerID,
		StudentID:        sess.StudentID,
		State:            sess.State,
		Version:          sess.Version,
		ElapsedSeconds:   int64(elapsed / time.Second),
		PlannedSeconds:   sess.PlannedSeconds,
		RemainingSeconds: timer.Remaining(sess.PlannedSeconds, elapsed),
		StartedAt:        sess.StartedAt,
		CheckedOutAt:     sess.CheckedOutAt,
		ServerTime:       now,
		Reason:           sess.Reason,
	}
}
