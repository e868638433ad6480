package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer is full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection    = errors.New("connection cannot be nil")
	ErrMissingSessionID = errors.New("connection has no session ID")
	ErrDuplicateSession = errors.New("a connection is already registered for this session")
)
