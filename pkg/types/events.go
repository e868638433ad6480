package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventType names an outbound event delivered to clients.
type EventType string

const (
	EventJoined          EventType = "joined"
	EventMessage         EventType = "message"
	EventTyping          EventType = "typing"
	EventStopTyping      EventType = "stopTyping"
	EventUserJoined      EventType = "user-joined"
	EventUserLeft        EventType = "user-left"
	EventCrisisActivated EventType = "crisis-activated"
	EventCrisisExpired   EventType = "crisis-expired"
	EventFreezeArmed     EventType = "freeze-armed"
	EventError           EventType = "error"
)

// ScopeKind is the audience class of an event or crisis state.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeGroup   ScopeKind = "group"
	ScopeSession ScopeKind = "session"
)

// Scope is the audience an event or state applies to.
// ARCHITECTURAL DISCOVERY: A value type keeps scope comparison cheap and lets
// it be used directly as a map key for per-scope crisis state.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// GlobalScope addresses every registered session.
func GlobalScope() Scope {
	return Scope{Kind: ScopeGlobal}
}

// GroupScope addresses the members of one group.
func GroupScope(id GroupID) Scope {
	return Scope{Kind: ScopeGroup, ID: strconv.FormatInt(int64(id), 10)}
}

// SessionScope addresses exactly one session.
func SessionScope(sessionID string) Scope {
	return Scope{Kind: ScopeSession, ID: sessionID}
}

// String renders the scope as "global", "group:<id>" or "session:<id>".
func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return string(s.Kind) + ":" + s.ID
}

// GroupID returns the group identifier of a group scope.
func (s Scope) GroupID() (GroupID, error) {
	if s.Kind != ScopeGroup {
		return 0, fmt.Errorf("%w: %s is not a group scope", ErrInvalidScope, s)
	}
	id, err := strconv.ParseInt(s.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidScope, err)
	}
	return GroupID(id), nil
}

// ParseScope parses the textual form produced by Scope.String. Group ids
// are returned in canonical decimal form.
func ParseScope(raw string) (Scope, error) {
	if raw == string(ScopeGlobal) {
		return GlobalScope(), nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
	switch ScopeKind(kind) {
	case ScopeGroup:
		gid, err := Scope{Kind: ScopeGroup, ID: id}.GroupID()
		if err != nil {
			return Scope{}, err
		}
		if gid <= 0 {
			return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
		}
		// Scopes are map keys, so "group:01" must become "group:1".
		return GroupScope(gid), nil
	case ScopeSession:
		return SessionScope(id), nil
	default:
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
}

// Event is the envelope written to a client.
type Event struct {
	Type      EventType   `json:"type"`
	Scope     string      `json:"scope"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// JoinedPayload is sent to a session right after group assignment.
type JoinedPayload struct {
	GroupID     GroupID `json:"groupId"`
	GroupLabel  string  `json:"groupLabel"`
	SessionID   string  `json:"sessionId"`
	DisplayCode string  `json:"displayCode"`
}

// MessagePayload carries a chat message to the sender's group.
type MessagePayload struct {
	SessionID   string   `json:"sessionId"`
	DisplayCode string   `json:"displayCode"`
	Text        string   `json:"text"`
	Category    Category `json:"category"`
}

// PresencePayload is used for typing and join/leave notices.
type PresencePayload struct {
	SessionID   string `json:"sessionId"`
	DisplayCode string `json:"displayCode"`
}

// CrisisActivatedPayload announces crisis mode to the configured scope.
type CrisisActivatedPayload struct {
	Scope       string    `json:"scope"`
	TriggerText string    `json:"triggerText"`
	StartedAt   time.Time `json:"startedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CrisisExpiredPayload announces the end of crisis mode.
type CrisisExpiredPayload struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason"`
}

// FreezeArmedPayload tells a single session when it may send again.
type FreezeArmedPayload struct {
	Until time.Time `json:"until"`
}

// ErrorPayload reports a rejected inbound operation to its sender.
type ErrorPayload struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	RemainingSeconds int    `json:"remainingSeconds,omitempty"`
}
