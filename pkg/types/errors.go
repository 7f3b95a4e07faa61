package types

import "errors"

// Domain error kinds returned synchronously by coordinator operations.
// None of these are retried by the coordinator; retries are the client's
// responsibility.
var (
	ErrNotFound         = errors.New("session not found")
	ErrInvalidState     = errors.New("transition not legal from current state")
	ErrOutOfRange       = errors.New("check-in location outside geofence radius")
	ErrDuplicateSession = errors.New("a live session already exists for this trainer/student pair")
	ErrUnauthorized     = errors.New("caller is not a participant of this session")
)
