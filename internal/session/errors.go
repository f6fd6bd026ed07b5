package session

import "errors"

var (
	ErrValidation        = errors.New("validation error")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid phase transition")
)
