package hub

import "errors"

// Hub error types
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrEventChannelFull  = errors.New("event channel is full")
	ErrUnsupportedScope  = errors.New("unsupported event scope")
)
