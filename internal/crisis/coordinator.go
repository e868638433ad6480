// Package crisis owns crisis mode: per-scope activation, refresh and expiry,
// and the per-session freeze windows armed while a scope is in crisis.
package crisis

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"soulchat/pkg/interfaces"
	"soulchat/pkg/types"
)

// Policy selects the scope crisis mode applies to. It is fixed for the
// lifetime of a Coordinator.
type Policy string

const (
	// PolicyGlobal puts every session into crisis mode together.
	PolicyGlobal Policy = "global"
	// PolicyGroup confines crisis mode to the triggering group.
	PolicyGroup Policy = "group"
)

// ParsePolicy validates a policy name.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(raw) {
	case PolicyGlobal, PolicyGroup:
		return Policy(raw), nil
	default:
		return "", ErrInvalidPolicy
	}
}

// End reasons reported in crisis-expired events and to listeners.
const (
	ReasonExpired     = "expired"
	ReasonDeactivated = "deactivated"
)

// Defaults for Options fields left at zero.
const (
	DefaultDuration       = 5 * time.Minute
	DefaultFreezeDuration = 5 * time.Second
	DefaultSweepInterval  = time.Second
)

// Options configures a Coordinator.
type Options struct {
	Policy         Policy
	Duration       time.Duration
	FreezeDuration time.Duration
	SweepInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Policy == "" {
		o.Policy = PolicyGlobal
	}
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.FreezeDuration <= 0 {
		o.FreezeDuration = DefaultFreezeDuration
	}
	if o.SweepInterval <= 0 || o.SweepInterval > DefaultSweepInterval {
		o.SweepInterval = DefaultSweepInterval
	}
	return o
}

// Outcome describes what handling one inbound message did to crisis state.
type Outcome struct {
	Scope       types.Scope
	Activated   bool
	Refreshed   bool
	FrozenUntil *time.Time
}

// transition is a committed state change waiting for listener callbacks.
type transition struct {
	kind   string
	state  types.CrisisState
	reason string
}

// Coordinator is the single owner of CrisisState.
// ARCHITECTURAL DISCOVERY: State changes and the events announcing them are
// made under one mutex, so observers can never see active=true paired with a
// stale expiry, and announcements leave in the same order as the changes.
// Listener callbacks run after mu is released but under notifyMu, which is
// taken before mu is released, so listeners see transitions in commit order.
type Coordinator struct {
	mu        sync.RWMutex
	notifyMu  sync.Mutex
	states    map[types.Scope]*types.CrisisState
	opts      Options
	sessions  interfaces.SessionDirectory
	publisher interfaces.Publisher
	listeners []interfaces.CrisisListener
	clock     types.Clock
	logger    zerolog.Logger

	runMu    sync.Mutex
	running  bool
	shutdown chan struct{}
	done     chan struct{}
}

// NewCoordinator creates a coordinator. Listeners are notified of every
// committed transition.
func NewCoordinator(opts Options, sessions interfaces.SessionDirectory, publisher interfaces.Publisher, clock types.Clock, logger zerolog.Logger, listeners ...interfaces.CrisisListener) *Coordinator {
	if clock == nil {
		clock = types.SystemClock()
	}
	return &Coordinator{
		states:    make(map[types.Scope]*types.CrisisState),
		opts:      opts.withDefaults(),
		sessions:  sessions,
		publisher: publisher,
		listeners: listeners,
		clock:     clock,
		logger:    logger.With().Str("component", "crisis_coordinator").Logger(),
	}
}

// Policy returns the configured scope policy.
func (c *Coordinator) Policy() Policy {
	return c.opts.Policy
}

// Options returns the effective options after defaults.
func (c *Coordinator) Options() Options {
	return c.opts
}

// ScopeFor maps a session to the crisis scope it belongs to under the policy.
func (c *Coordinator) ScopeFor(session *types.Session) types.Scope {
	if c.opts.Policy == PolicyGroup {
		return types.GroupScope(session.GroupID)
	}
	return types.GlobalScope()
}

// HandleMessage runs the crisis side of one delivered message: a Crisis
// category activates or refreshes the sender's scope, and any message sent
// while that scope is active arms the sender's freeze window.
func (c *Coordinator) HandleMessage(sessionID, text string, category types.Category) (*Outcome, error) {
	session, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return nil, err
	}
	scope := c.ScopeFor(session)
	outcome := &Outcome{Scope: scope}

	if category == types.CategoryCrisis {
		activated, err := c.activate(scope, text, session, false)
		if err != nil {
			return nil, err
		}
		outcome.Activated = activated
		outcome.Refreshed = !activated
	}

	until, armed, err := c.ArmFreeze(sessionID)
	if err != nil {
		return nil, err
	}
	if armed {
		outcome.FrozenUntil = &until
	}
	return outcome, nil
}

// Activate enters crisis mode for scope on behalf of an operator. The scope
// kind must match the policy, and under the group policy the group must
// currently have members.
func (c *Coordinator) Activate(scope types.Scope, message string) (types.CrisisState, error) {
	scope, err := c.canonicalScope(scope)
	if err != nil {
		return types.CrisisState{}, err
	}
	if message == "" {
		message = "Manual activation"
	}
	if _, err := c.activate(scope, message, nil, true); err != nil {
		return types.CrisisState{}, err
	}
	state, _ := c.State(scope)
	return state, nil
}

// activate performs Idle→Active or Active→Active. It reports true when the
// scope newly entered crisis mode. source is nil for operator activations.
func (c *Coordinator) activate(scope types.Scope, text string, source *types.Session, manual bool) (bool, error) {
	now := c.clock()
	var pending []transition
	var sourceSessionID, sourceDisplayCode string
	if source != nil {
		sourceSessionID = source.ID
		sourceDisplayCode = source.DisplayCode
	}

	c.mu.Lock()
	current, exists := c.states[scope]
	if exists && !now.Before(current.ExpiresAt) {
		// Lapsed but not yet swept: end it before starting a fresh one.
		delete(c.states, scope)
		c.publish(scope, types.EventCrisisExpired, types.CrisisExpiredPayload{Scope: scope.String(), Reason: ReasonExpired})
		pending = append(pending, transition{kind: "ended", state: *current, reason: ReasonExpired})
		exists = false
	}

	activated := !exists
	if exists {
		current.ExpiresAt = now.Add(c.opts.Duration)
		current.TriggerText = text
		current.SourceSessionID = sourceSessionID
		current.SourceDisplayCode = sourceDisplayCode
		current.Refreshes++
		current.Manual = current.Manual || manual
		pending = append(pending, transition{kind: "refreshed", state: *current})
	} else {
		current = &types.CrisisState{
			Scope:             scope.String(),
			Active:            true,
			StartedAt:         now,
			ExpiresAt:         now.Add(c.opts.Duration),
			TriggerText:       text,
			SourceSessionID:   sourceSessionID,
			SourceDisplayCode: sourceDisplayCode,
			Manual:            manual,
		}
		c.states[scope] = current
		c.publish(scope, types.EventCrisisActivated, activatedPayload(current))
		pending = append(pending, transition{kind: "activated", state: *current})
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	if activated {
		c.logger.Warn().
			Str("scope", scope.String()).
			Str("source_session_id", sourceSessionID).
			Bool("manual", manual).
			Time("expires_at", now.Add(c.opts.Duration)).
			Msg("crisis mode activated")
	} else {
		c.logger.Info().
			Str("scope", scope.String()).
			Str("source_session_id", sourceSessionID).
			Time("expires_at", now.Add(c.opts.Duration)).
			Msg("crisis mode refreshed")
	}

	c.notify(pending)
	return activated, nil
}

// ArmFreeze sets a freeze window on the session if its scope is active.
// It reports whether a window was armed.
func (c *Coordinator) ArmFreeze(sessionID string) (time.Time, bool, error) {
	session, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return time.Time{}, false, err
	}
	now := c.clock()
	if !c.IsActive(c.ScopeFor(session), now) {
		return time.Time{}, false, nil
	}

	until := now.Add(c.opts.FreezeDuration)
	if err := c.sessions.SetFrozenUntil(sessionID, until); err != nil {
		return time.Time{}, false, err
	}
	if err := c.publisher.Publish(types.SessionScope(sessionID), types.EventFreezeArmed, types.FreezeArmedPayload{Until: until}); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish freeze-armed")
	}
	return until, true, nil
}

// Deactivate ends crisis mode for scope ahead of its expiry.
func (c *Coordinator) Deactivate(scope types.Scope) error {
	if groupID, err := scope.GroupID(); err == nil {
		scope = types.GroupScope(groupID)
	}
	now := c.clock()

	c.mu.Lock()
	current, exists := c.states[scope]
	if !exists || !now.Before(current.ExpiresAt) {
		c.mu.Unlock()
		return ErrCrisisNotActive
	}
	delete(c.states, scope)
	ended := *current
	ended.Active = false
	c.publish(scope, types.EventCrisisExpired, types.CrisisExpiredPayload{Scope: scope.String(), Reason: ReasonDeactivated})
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	c.logger.Info().Str("scope", scope.String()).Msg("crisis mode deactivated")
	c.notify([]transition{{kind: "ended", state: ended, reason: ReasonDeactivated}})
	return nil
}

// Sweep expires every scope whose expiry is at or before now and returns
// how many were expired.
func (c *Coordinator) Sweep(now time.Time) int {
	var pending []transition

	c.mu.Lock()
	scopes := make([]types.Scope, 0, len(c.states))
	for scope := range c.states {
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].String() < scopes[j].String() })

	for _, scope := range scopes {
		current := c.states[scope]
		if now.Before(current.ExpiresAt) {
			continue
		}
		delete(c.states, scope)
		ended := *current
		ended.Active = false
		c.publish(scope, types.EventCrisisExpired, types.CrisisExpiredPayload{Scope: scope.String(), Reason: ReasonExpired})
		pending = append(pending, transition{kind: "ended", state: ended, reason: ReasonExpired})
	}
	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()

	for _, t := range pending {
		c.logger.Info().Str("scope", t.state.Scope).Msg("crisis mode expired")
	}
	c.notify(pending)
	return len(pending)
}

// State returns the active state for scope. A lapsed state that has not been
// swept yet is reported as inactive.
func (c *Coordinator) State(scope types.Scope) (types.CrisisState, bool) {
	now := c.clock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	current, exists := c.states[scope]
	if !exists || !now.Before(current.ExpiresAt) {
		return types.CrisisState{Scope: scope.String()}, false
	}
	return *current, true
}

// StateForSession returns the crisis state of the session's scope.
func (c *Coordinator) StateForSession(sessionID string) (types.CrisisState, bool, error) {
	session, err := c.sessions.Lookup(sessionID)
	if err != nil {
		return types.CrisisState{}, false, err
	}
	state, active := c.State(c.ScopeFor(session))
	return state, active, nil
}

// States returns every active state sorted by scope.
func (c *Coordinator) States() []types.CrisisState {
	now := c.clock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.CrisisState, 0, len(c.states))
	for _, current := range c.states {
		if now.Before(current.ExpiresAt) {
			out = append(out, *current)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// IsActive reports whether scope is in crisis mode at now.
func (c *Coordinator) IsActive(scope types.Scope, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	current, exists := c.states[scope]
	return exists && now.Before(current.ExpiresAt)
}

// Admit runs join with the crisis state locked, then sends the new session
// the activation of its scope if one is in effect. No activation or expiry
// can commit while join runs, so a joining session sees every transition
// exactly once: either through the resync sent here or through the scope
// broadcast that follows. It reports whether a resync was sent.
func (c *Coordinator) Admit(join func() (*types.Session, error)) (*types.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := join()
	if err != nil {
		return nil, false, err
	}
	current, exists := c.states[c.ScopeFor(session)]
	if !exists || !c.clock().Before(current.ExpiresAt) {
		return session, false, nil
	}
	err = c.publisher.Publish(types.SessionScope(session.ID), types.EventCrisisActivated, activatedPayload(current))
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", session.ID).Msg("failed to resync crisis state")
		return session, false, nil
	}
	return session, true, nil
}

// Start launches the periodic expiry sweep.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.running {
		return ErrCoordinatorAlreadyRunning
	}
	c.running = true
	c.shutdown = make(chan struct{})
	c.done = make(chan struct{})

	c.logger.Info().
		Str("policy", string(c.opts.Policy)).
		Dur("sweep_interval", c.opts.SweepInterval).
		Msg("starting crisis sweep")
	go c.run(ctx, c.shutdown, c.done)
	return nil
}

// Stop halts the sweep and waits for it to exit.
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if !c.running {
		return ErrCoordinatorNotRunning
	}
	c.running = false
	close(c.shutdown)
	<-c.done
	return nil
}

func (c *Coordinator) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep(c.clock())
		case <-shutdown:
			c.logger.Info().Msg("crisis sweep stopped")
			return
		case <-ctx.Done():
			c.logger.Info().Msg("crisis sweep context cancelled")
			return
		}
	}
}

// canonicalScope checks scope against the policy and returns the form used
// as the state key.
func (c *Coordinator) canonicalScope(scope types.Scope) (types.Scope, error) {
	switch c.opts.Policy {
	case PolicyGroup:
		groupID, err := scope.GroupID()
		if err != nil || groupID <= 0 {
			return types.Scope{}, ErrScopeMismatch
		}
		if _, err := c.sessions.MembersOf(groupID); err != nil {
			return types.Scope{}, err
		}
		return types.GroupScope(groupID), nil
	default:
		if scope.Kind != types.ScopeGlobal {
			return types.Scope{}, ErrScopeMismatch
		}
		return types.GlobalScope(), nil
	}
}

func activatedPayload(state *types.CrisisState) types.CrisisActivatedPayload {
	return types.CrisisActivatedPayload{
		Scope:       state.Scope,
		TriggerText: state.TriggerText,
		StartedAt:   state.StartedAt,
		ExpiresAt:   state.ExpiresAt,
	}
}

// publish must be called with c.mu held.
func (c *Coordinator) publish(scope types.Scope, eventType types.EventType, payload interface{}) {
	if err := c.publisher.Publish(scope, eventType, payload); err != nil {
		c.logger.Error().Err(err).
			Str("scope", scope.String()).
			Str("event", string(eventType)).
			Msg("failed to publish crisis event")
	}
}

func (c *Coordinator) notify(pending []transition) {
	for _, t := range pending {
		for _, l := range c.listeners {
			switch t.kind {
			case "activated":
				l.CrisisActivated(t.state)
			case "refreshed":
				l.CrisisRefreshed(t.state)
			case "ended":
				l.CrisisEnded(t.state, t.reason)
			}
		}
	}
}
