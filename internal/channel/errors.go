package channel

import "errors"

var (
	ErrConnectionClosed = errors.New("connection is closed")
	ErrWriteTimeout     = errors.New("write timeout exceeded")
	ErrInvalidJSON      = errors.New("failed to marshal message to JSON")
	ErrNilConnection    = errors.New("connection cannot be nil")
)
