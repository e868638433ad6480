// Package chat runs the inbound side of a session: connect, send, typing and
// disconnect, in the order the rest of the system depends on.
package chat

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"soulchat/internal/classifier"
	"soulchat/internal/crisis"
	"soulchat/internal/metrics"
	"soulchat/internal/session"
	"soulchat/pkg/interfaces"
	"soulchat/pkg/types"
)

// Rejection reasons recorded in metrics and error events.
const (
	ReasonCooldown = "cooldown"
	ReasonBlocked  = "blocked"
	ReasonInvalid  = "invalid"
)

// Service wires the registry, classifier and crisis coordinator together.
type Service struct {
	registry        *session.Registry
	classifier      *classifier.Classifier
	coordinator     *crisis.Coordinator
	publisher       interfaces.Publisher
	metrics         *metrics.Metrics
	clock           types.Clock
	maxMessageRunes int
	logger          zerolog.Logger
}

// Options tunes message handling.
type Options struct {
	MaxMessageRunes int
}

// NewService creates a chat service.
func NewService(registry *session.Registry, cls *classifier.Classifier, coordinator *crisis.Coordinator, publisher interfaces.Publisher, m *metrics.Metrics, clock types.Clock, opts Options, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = types.SystemClock()
	}
	if opts.MaxMessageRunes <= 0 {
		opts.MaxMessageRunes = types.DefaultMaxMessageRunes
	}
	return &Service{
		registry:        registry,
		classifier:      cls,
		coordinator:     coordinator,
		publisher:       publisher,
		metrics:         m,
		clock:           clock,
		maxMessageRunes: opts.MaxMessageRunes,
		logger:          logger.With().Str("component", "chat_service").Logger(),
	}
}

// Connect registers a new session under a fresh identifier.
func (s *Service) Connect() (*types.Session, error) {
	return s.ConnectWithID(session.NewSessionID())
}

// ConnectWithID registers a session, assigns its group and announces it.
// Callers that deliver events must make the session's sink reachable before
// calling, or the joined event has nowhere to go.
func (s *Service) ConnectWithID(sessionID string) (*types.Session, error) {
	// Registration and the join announcements happen inside Admit so a
	// concurrent crisis activation is seen exactly once by the new session.
	sess, resynced, err := s.coordinator.Admit(func() (*types.Session, error) {
		sess, err := s.registry.Register(sessionID)
		if err != nil {
			return nil, err
		}
		s.publish(types.SessionScope(sess.ID), types.EventJoined, types.JoinedPayload{
			GroupID:     sess.GroupID,
			GroupLabel:  sess.GroupID.Label(),
			SessionID:   sess.ID,
			DisplayCode: sess.DisplayCode,
		})
		s.publish(types.GroupScope(sess.GroupID), types.EventUserJoined, types.PresencePayload{
			SessionID:   sess.ID,
			DisplayCode: sess.DisplayCode,
		})
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	s.updatePopulation()

	s.logger.Info().
		Str("session_id", sess.ID).
		Int64("group_id", int64(sess.GroupID)).
		Bool("crisis_resync", resynced).
		Msg("session connected")
	return sess, nil
}

// SendError delivers an error event to one session through the same queue
// as every other event, so it stays ordered with them.
func (s *Service) SendError(sessionID string, payload types.ErrorPayload) error {
	return s.publisher.Publish(types.SessionScope(sessionID), types.EventError, payload)
}

// Disconnect removes the session and tells the rest of its group.
func (s *Service) Disconnect(sessionID string) error {
	sess, groupRemoved, err := s.registry.Unregister(sessionID)
	if err != nil {
		return err
	}
	s.updatePopulation()

	if !groupRemoved {
		s.publish(types.GroupScope(sess.GroupID), types.EventUserLeft, types.PresencePayload{
			SessionID:   sess.ID,
			DisplayCode: sess.DisplayCode,
		})
	}

	s.logger.Info().
		Str("session_id", sess.ID).
		Int64("group_id", int64(sess.GroupID)).
		Bool("group_removed", groupRemoved).
		Msg("session disconnected")
	return nil
}

// SendMessage validates, classifies and delivers one chat message.
// ARCHITECTURAL DISCOVERY: The cooldown check runs before classification, so
// a frozen session cannot refresh crisis mode or extend its own freeze.
// The message is published before crisis mode is triggered, which puts the
// triggering message ahead of crisis-activated in the group's event order.
func (s *Service) SendMessage(sessionID, text string) (*types.SendResult, error) {
	sess, err := s.registry.Lookup(sessionID)
	if err != nil {
		return nil, err
	}

	normalized, err := types.NormalizeMessage(text, s.maxMessageRunes)
	if err != nil {
		s.metrics.RecordRejection(ReasonInvalid)
		return nil, err
	}

	now := s.clock()
	if sess.IsFrozen(now) {
		s.metrics.RecordRejection(ReasonCooldown)
		return nil, &types.CooldownError{SessionID: sessionID, Until: *sess.FrozenUntil, Now: now}
	}

	category := s.classifier.Classify(normalized)
	s.metrics.RecordMessage(category)

	if category == types.CategoryBlocked {
		s.metrics.RecordRejection(ReasonBlocked)
		s.logger.Info().Str("session_id", sessionID).Msg("blocked message rejected")
		return nil, types.ErrMessageBlocked
	}

	err = s.publisher.Publish(types.GroupScope(sess.GroupID), types.EventMessage, types.MessagePayload{
		SessionID:   sess.ID,
		DisplayCode: sess.DisplayCode,
		Text:        normalized,
		Category:    category,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}

	outcome, err := s.coordinator.HandleMessage(sessionID, normalized, category)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			// Disconnected after delivery; nothing left to freeze.
			return &types.SendResult{Category: category}, nil
		}
		return nil, err
	}

	return &types.SendResult{
		Category:        category,
		Scope:           outcome.Scope.String(),
		CrisisActivated: outcome.Activated,
		CrisisRefreshed: outcome.Refreshed,
		FrozenUntil:     outcome.FrozenUntil,
	}, nil
}

// SetTyping relays a typing indicator change to the session's group.
func (s *Service) SetTyping(sessionID string, typing bool) error {
	if _, err := s.registry.SetTyping(sessionID, typing); err != nil {
		return err
	}
	sess, err := s.registry.Lookup(sessionID)
	if err != nil {
		return err
	}

	eventType := types.EventStopTyping
	if typing {
		eventType = types.EventTyping
	}
	s.publish(types.GroupScope(sess.GroupID), eventType, types.PresencePayload{
		SessionID:   sess.ID,
		DisplayCode: sess.DisplayCode,
	})
	return nil
}

// Session returns a snapshot of one session.
func (s *Service) Session(sessionID string) (*types.Session, error) {
	return s.registry.Lookup(sessionID)
}

// Groups returns a snapshot of the live groups.
func (s *Service) Groups() []types.Group {
	return s.registry.Groups()
}

func (s *Service) publish(scope types.Scope, eventType types.EventType, payload interface{}) {
	if err := s.publisher.Publish(scope, eventType, payload); err != nil {
		s.logger.Warn().Err(err).
			Str("scope", scope.String()).
			Str("event", string(eventType)).
			Msg("failed to publish event")
	}
}

func (s *Service) updatePopulation() {
	stats := s.registry.GetStats()
	s.metrics.SetPopulation(stats["active_sessions"], stats["active_groups"])
}
