package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Domain errors shared across components.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrGroupNotFound     = errors.New("group not found")
	ErrSessionExists     = errors.New("session already registered")
	ErrCooldown          = errors.New("session is cooling down")
	ErrMessageBlocked    = errors.New("message contains blocked words")
	ErrCapacityInvariant = errors.New("group capacity invariant violated")
	ErrEmptyMessage      = errors.New("message text cannot be empty")
	ErrMessageTooLong    = errors.New("message text exceeds maximum length")
	ErrInvalidScope      = errors.New("invalid scope")
	ErrInvalidSessionID  = errors.New("session ID must be 1-64 characters, alphanumeric + underscore/hyphen only")
)

// CooldownError is returned when a frozen session tries to send.
// FUNCTIONAL DISCOVERY: Carries the freeze deadline so the presentation layer
// can show a countdown without a second round trip.
type CooldownError struct {
	SessionID string
	Until     time.Time
	Now       time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("session %s is cooling down for %ds", e.SessionID, e.RemainingSeconds())
}

// Is lets errors.Is(err, ErrCooldown) match.
func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldown
}

// RemainingSeconds rounds the remaining freeze up to whole seconds.
func (e *CooldownError) RemainingSeconds() int {
	remaining := e.Until.Sub(e.Now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}
