package interfaces

import "soulchat/pkg/types"

// Publisher fans an event out to every session in a scope.
// FUNCTIONAL DISCOVERY: Publish returns once the event is queued; delivery is
// best-effort and FIFO per scope.
type Publisher interface {
	Publish(scope types.Scope, eventType types.EventType, payload interface{}) error
}

// CrisisListener observes crisis transitions after they are committed.
// Implementations must return quickly and must not call back into the
// coordinator; slow work belongs in a goroutine.
type CrisisListener interface {
	CrisisActivated(state types.CrisisState)
	CrisisRefreshed(state types.CrisisState)
	CrisisEnded(state types.CrisisState, reason string)
}
