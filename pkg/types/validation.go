package types

import (
	"errors"
	"regexp"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	ErrInvalidUserID   = errors.New("user ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidRole     = errors.New("invalid role: must be 'trainer' or 'student'")
	ErrInvalidLocation = errors.New("location coordinates out of bounds")
	ErrInvalidRadius   = errors.New("geofence radius must be positive")
	ErrInvalidDuration = errors.New("planned duration must be non-negative")
	ErrSamePair        = errors.New("trainer and student must be distinct users")
)

// IsValidUserID checks if a user ID meets format requirements.
// 1-50 characters keeps identifiers index-friendly and displayable.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// Validate checks the fields set at initiation. Lifecycle fields are
// owned by the state machine engine and are not validated here.
func (s *Session) Validate() error {
	if !IsValidUserID(s.TrainerID) || !IsValidUserID(s.StudentID) {
		return ErrInvalidUserID
	}
	if s.TrainerID == s.StudentID {
		return ErrSamePair
	}
	if s.PlannedSeconds < 0 {
		return ErrInvalidDuration
	}
	if s.RequireProximity {
		if s.Location == nil {
			return ErrInvalidLocation
		}
		if err := s.Location.Validate(); err != nil {
			return err
		}
		if s.RadiusMeters <= 0 {
			return ErrInvalidRadius
		}
	}
	return nil
}

// Validate bounds-checks a coordinate.
func (p *GeoPoint) Validate() error {
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return ErrInvalidLocation
	}
	return nil
}
