// Package timer is the single source of truth for session elapsed time.
// Elapsed time is always recomputed from stored segment boundaries, never
// accumulated from client-reported deltas, so clock skew or dropped
// messages on either client cannot introduce drift.
package timer

import (
	"errors"
	"time"

	"spotter/pkg/types"
)

var (
	ErrSegmentOpen    = errors.New("an active segment is already open")
	ErrNoOpenSegment  = errors.New("no active segment is open")
	ErrBoundaryBefore = errors.New("segment boundary precedes segment start")
)

// Open appends a new active segment starting at the given instant. Called
// by the state machine engine on the transitions into Active.
func Open(segments []types.Segment, at time.Time) ([]types.Segment, error) {
	if n := len(segments); n > 0 && segments[n-1].EndedAt == nil {
		return segments, ErrSegmentOpen
	}
	return append(segments, types.Segment{StartedAt: at}), nil
}

// Close ends the currently open segment at the given instant. Called on
// the transitions out of Active (pause, checkout, expiry).
func Close(segments []types.Segment, at time.Time) ([]types.Segment, error) {
	n := len(segments)
	if n == 0 || segments[n-1].EndedAt != nil {
		return segments, ErrNoOpenSegment
	}
	if at.Before(segments[n-1].StartedAt) {
		return segments, ErrBoundaryBefore
	}
	end := at
	segments[n-1].EndedAt = &end
	return segments, nil
}

// Elapsed returns the sum of closed segment durations plus the open
// segment's duration up to now.
func Elapsed(segments []types.Segment, now time.Time) time.Duration {
	var total time.Duration
	for _, seg := range segments {
		end := now
		if seg.EndedAt != nil {
			end = *seg.EndedAt
		}
		if end.After(seg.StartedAt) {
			total += end.Sub(seg.StartedAt)
		}
	}
	return total
}

// Remaining projects seconds left of a fixed planned duration; it returns
// 0 for open-ended sessions and never goes negative.
func Remaining(plannedSeconds int64, elapsed time.Duration) int64 {
	if plannedSeconds <= 0 {
		return 0
	}
	left := plannedSeconds - int64(elapsed/time.Second)
	if left < 0 {
		return 0
	}
	return left
}
