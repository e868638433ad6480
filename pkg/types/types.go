package types

import (
	"fmt"
	"time"
)

// DefaultGroupCapacity is the maximum number of sessions a group may hold.
const DefaultGroupCapacity = 7

// Category is the result of classifying free text against the keyword lexicon.
// ARCHITECTURAL DISCOVERY: Categories are ordered by priority; Blocked pre-empts
// everything, Neutral is the fallback when no list matches.
type Category string

const (
	CategoryBlocked    Category = "blocked"
	CategoryCrisis     Category = "crisis"
	CategoryUplifting  Category = "uplifting"
	CategoryReflective Category = "reflective"
	CategoryNeutral    Category = "neutral"
)

// CategoryPriority lists categories from highest to lowest precedence.
var CategoryPriority = []Category{
	CategoryBlocked,
	CategoryCrisis,
	CategoryUplifting,
	CategoryReflective,
}

// GroupID identifies a conversation group. Values are issued monotonically
// and never reused within a process.
type GroupID int64

// Label returns the human readable form shown to clients ("group-3").
func (g GroupID) Label() string {
	return fmt.Sprintf("group-%d", int64(g))
}

// Session is a single active connection.
// FUNCTIONAL DISCOVERY: GroupID is assigned exactly once at registration and
// never changes; only FrozenUntil and Typing mutate after creation.
type Session struct {
	ID          string     `json:"session_id"`
	GroupID     GroupID    `json:"group_id"`
	DisplayCode string     `json:"display_code"`
	FrozenUntil *time.Time `json:"frozen_until,omitempty"`
	Typing      bool       `json:"typing"`
	ConnectedAt time.Time  `json:"connected_at"`
}

// IsFrozen reports whether the session's freeze window is still open at now.
func (s *Session) IsFrozen(now time.Time) bool {
	return s.FrozenUntil != nil && now.Before(*s.FrozenUntil)
}

// Group is a snapshot of a bounded conversation cohort.
type Group struct {
	ID        GroupID   `json:"group_id"`
	Label     string    `json:"label"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// CrisisState describes crisis mode for one scope.
type CrisisState struct {
	Scope             string    `json:"scope"`
	Active            bool      `json:"active"`
	StartedAt         time.Time `json:"started_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	TriggerText       string    `json:"trigger_text"`
	SourceSessionID   string    `json:"source_session_id,omitempty"`
	SourceDisplayCode string    `json:"source_display_code,omitempty"`
	Refreshes         int       `json:"refreshes"`
	Manual            bool      `json:"manual"`
}

// FreezeWindow is a per-session cooldown; expired once now >= Until.
type FreezeWindow struct {
	SessionID string    `json:"session_id"`
	Until     time.Time `json:"until"`
}

// Clock supplies the current time. Components take a Clock so tests can
// drive cooldown and expiry deterministically.
type Clock func() time.Time

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return time.Now
}

// Incident is the persisted record of one crisis activation.
// Trigger text is never persisted.
type Incident struct {
	ID              int64      `json:"id"`
	Scope           string     `json:"scope"`
	SourceSessionID string     `json:"source_session_id"`
	Manual          bool       `json:"manual"`
	StartedAt       time.Time  `json:"started_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	RefreshCount    int        `json:"refresh_count"`
}

// SendResult reports what happened to one accepted chat message.
type SendResult struct {
	Category        Category   `json:"category"`
	Scope           string     `json:"scope"`
	CrisisActivated bool       `json:"crisis_activated"`
	CrisisRefreshed bool       `json:"crisis_refreshed"`
	FrozenUntil     *time.Time `json:"frozen_until,omitempty"`
}
