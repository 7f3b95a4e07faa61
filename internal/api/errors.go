package api

import (
	"errors"
	"net/http"

	"spotter/pkg/types"
)

// statusFor maps domain errors onto HTTP statuses. Anything unmapped is
// treated as an internal failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidState),
		errors.Is(err, types.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, types.ErrOutOfRange):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrInvalidUserID),
		errors.Is(err, types.ErrInvalidLocation),
		errors.Is(err, types.ErrInvalidRadius),
		errors.Is(err, types.ErrInvalidDuration),
		errors.Is(err, types.ErrSamePair):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
