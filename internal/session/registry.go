// Package session tracks live chat sessions and their transient flags.
package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"soulchat/internal/allocator"
	"soulchat/pkg/types"
)

// Registry implements interfaces.SessionDirectory on top of the group
// allocator.
// ARCHITECTURAL DISCOVERY: Every mutation takes r.mu before touching the
// allocator, so the session table and the group table change together and
// readers never see one without the other.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*types.Session
	allocator *allocator.Allocator
	clock     types.Clock
	logger    zerolog.Logger
}

// NewRegistry creates a registry backed by alloc.
func NewRegistry(alloc *allocator.Allocator, clock types.Clock, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = types.SystemClock()
	}
	return &Registry{
		sessions:  make(map[string]*types.Session),
		allocator: alloc,
		clock:     clock,
		logger:    logger.With().Str("component", "session_registry").Logger(),
	}
}

// NewSessionID returns a fresh opaque session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// newDisplayCode derives a pseudo-anonymous label such as "Soul#3FA9C1".
func newDisplayCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "Soul#" + strings.ToUpper(raw[:6])
}

// Register creates the session record and assigns it to a group.
func (r *Registry) Register(sessionID string) (*types.Session, error) {
	if !types.IsValidSessionID(sessionID) {
		return nil, types.ErrInvalidSessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		return nil, types.ErrSessionExists
	}

	groupID, err := r.allocator.Assign(sessionID)
	if err != nil {
		return nil, err
	}

	session := &types.Session{
		ID:          sessionID,
		GroupID:     groupID,
		DisplayCode: newDisplayCode(),
		ConnectedAt: r.clock(),
	}
	r.sessions[sessionID] = session

	r.logger.Debug().
		Str("session_id", sessionID).
		Int64("group_id", int64(groupID)).
		Msg("session registered")
	return copySession(session), nil
}

// Unregister removes the session and releases its group slot. The returned
// flag reports whether the group was reclaimed.
func (r *Registry) Unregister(sessionID string) (*types.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, false, types.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)

	_, groupRemoved, err := r.allocator.Release(sessionID)
	if err != nil {
		return nil, false, err
	}

	r.logger.Debug().
		Str("session_id", sessionID).
		Int64("group_id", int64(session.GroupID)).
		Bool("group_removed", groupRemoved).
		Msg("session unregistered")
	return copySession(session), groupRemoved, nil
}

// Lookup returns a copy of the session record.
func (r *Registry) Lookup(sessionID string) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return nil, types.ErrSessionNotFound
	}
	return copySession(session), nil
}

// MembersOf lists the sessions currently in a group.
func (r *Registry) MembersOf(groupID types.GroupID) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.allocator.Members(groupID)
}

// SessionIDs lists every registered session, sorted for stable iteration.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetFrozenUntil replaces the session's freeze window.
func (r *Registry) SetFrozenUntil(sessionID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return types.ErrSessionNotFound
	}
	session.FrozenUntil = &until
	return nil
}

// IsFrozen reports whether now falls inside the session's freeze window.
func (r *Registry) IsFrozen(sessionID string, now time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return false, types.ErrSessionNotFound
	}
	return session.IsFrozen(now), nil
}

// SetTyping records the typing flag and reports whether it changed.
func (r *Registry) SetTyping(sessionID string, typing bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return false, types.ErrSessionNotFound
	}
	changed := session.Typing != typing
	session.Typing = typing
	return changed, nil
}

// Groups returns a snapshot of the live group table.
func (r *Registry) Groups() []types.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.allocator.Groups()
}

// GetStats returns registry statistics for monitoring.
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"active_sessions": len(r.sessions),
		"active_groups":   len(r.allocator.Groups()),
		"group_capacity":  r.allocator.Capacity(),
	}
}

func copySession(s *types.Session) *types.Session {
	cp := *s
	if s.FrozenUntil != nil {
		until := *s.FrozenUntil
		cp.FrozenUntil = &until
	}
	return &cp
}
