package interfaces

import (
	"time"

	"soulchat/pkg/types"
)

// SessionDirectory is the read/write surface of the session registry that
// other components are allowed to use.
type SessionDirectory interface {
	// Lookup returns a copy of the session record or types.ErrSessionNotFound.
	Lookup(sessionID string) (*types.Session, error)

	// MembersOf lists the sessions in a group or returns types.ErrGroupNotFound.
	MembersOf(groupID types.GroupID) ([]string, error)

	// SessionIDs lists every registered session.
	SessionIDs() []string

	// SetFrozenUntil replaces the session's freeze window.
	SetFrozenUntil(sessionID string, until time.Time) error

	// IsFrozen reports whether now falls inside the session's freeze window.
	IsFrozen(sessionID string, now time.Time) (bool, error)
}
