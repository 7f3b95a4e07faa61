// Package store persists session records. The store is the single
// writable source of truth: the timer segment list is part of the same
// record, so a transition and its timer effect commit atomically.
package store

import (
	"context"
	"errors"
	"time"

	"spotter/pkg/types"
)

var (
	// ErrVersionConflict means a compare-and-set update lost a race; the
	// caller observes the already-updated record and reports InvalidState.
	ErrVersionConflict = errors.New("session version conflict")
	ErrStoreClosed     = errors.New("session store is closed")
)

// Store is the durability backend for session records. Any transactional
// backend satisfying atomic compare-and-set on version works; sqlite is
// the default, memory and redis are alternatives.
type Store interface {
	// Create persists a new session. It fails with
	// types.ErrDuplicateSession when a live (non-terminal) session
	// already exists for the same trainer/student pair.
	Create(ctx context.Context, sess *types.Session) error

	// Get returns the session or types.ErrNotFound.
	Get(ctx context.Context, id string) (*types.Session, error)

	// Update persists a mutated session if the stored version still
	// equals expectedVersion, otherwise ErrVersionConflict.
	Update(ctx context.Context, sess *types.Session, expectedVersion int64) error

	// ListLive returns all non-terminal sessions, for reaper sweeps and
	// warm-up after restart.
	ListLive(ctx context.Context) ([]*types.Session, error)

	// TouchHeartbeat records a liveness signal for one party. It never
	// changes the session version and emits no events.
	TouchHeartbeat(ctx context.Context, id string, role types.Role, at time.Time) error

	HealthCheck(ctx context.Context) error
	Close() error
}

func pairKey(trainerID, studentID string) string {
	return trainerID + "\x00" + studentID
}
