package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerAlreadyRunning = errors.New("server is already running")
	ErrRoomRequired         = errors.New("room name is required")
	ErrTokenRequired        = errors.New("auth token is required")
	ErrTokenInvalid         = errors.New("auth token is invalid")
	ErrRecordNotFound       = errors.New("record not found")
	ErrInvalidEnvelope      = errors.New("invalid wire envelope")
)
