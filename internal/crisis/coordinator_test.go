package crisis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulchat/internal/allocator"
	"soulchat/internal/session"
	"soulchat/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type published struct {
	scope     types.Scope
	eventType types.EventType
	payload   interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(scope types.Scope, eventType types.EventType, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{scope: scope, eventType: eventType, payload: payload})
	return nil
}

func (p *recordingPublisher) ofType(eventType types.EventType) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type recordingListener struct {
	mu        sync.Mutex
	activated []types.CrisisState
	refreshed []types.CrisisState
	ended     []string
}

func (l *recordingListener) CrisisActivated(state types.CrisisState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.activated = append(l.activated, state)
}

func (l *recordingListener) CrisisRefreshed(state types.CrisisState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshed = append(l.refreshed, state)
}

func (l *recordingListener) CrisisEnded(state types.CrisisState, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ended = append(l.ended, state.Scope+":"+reason)
}

type fixture struct {
	clock     *fakeClock
	registry  *session.Registry
	publisher *recordingPublisher
	listener  *recordingListener
	coord     *Coordinator
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := session.NewRegistry(allocator.New(2, clock.Now), clock.Now, zerolog.Nop())
	publisher := &recordingPublisher{}
	listener := &recordingListener{}
	coord := NewCoordinator(Options{Policy: policy}, registry, publisher, clock.Now, zerolog.Nop(), listener)
	return &fixture{clock: clock, registry: registry, publisher: publisher, listener: listener, coord: coord}
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := f.registry.Register(id)
		require.NoError(t, err)
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("group")
	require.NoError(t, err)
	assert.Equal(t, PolicyGroup, p)

	_, err = ParsePolicy("everyone")
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{SweepInterval: time.Minute}.withDefaults()
	assert.Equal(t, PolicyGlobal, opts.Policy)
	assert.Equal(t, 5*time.Minute, opts.Duration)
	assert.Equal(t, 5*time.Second, opts.FreezeDuration)
	assert.Equal(t, time.Second, opts.SweepInterval, "sweep never runs less often than once a second")
}

func TestHandleMessage_NonCrisisWhileIdle(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1")

	outcome, err := f.coord.HandleMessage("s1", "hello", types.CategoryNeutral)
	require.NoError(t, err)
	assert.False(t, outcome.Activated)
	assert.Nil(t, outcome.FrozenUntil)
	assert.Empty(t, f.publisher.events)
}

func TestHandleMessage_ActivatesAndFreezesSender(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1", "s2")
	start := f.clock.Now()

	outcome, err := f.coord.HandleMessage("s1", "i want to die", types.CategoryCrisis)
	require.NoError(t, err)
	assert.True(t, outcome.Activated)
	require.NotNil(t, outcome.FrozenUntil)
	assert.Equal(t, start.Add(5*time.Second), *outcome.FrozenUntil)

	state, active := f.coord.State(types.GlobalScope())
	require.True(t, active)
	assert.Equal(t, "global", state.Scope)
	assert.Equal(t, start, state.StartedAt)
	assert.Equal(t, start.Add(5*time.Minute), state.ExpiresAt)
	assert.Equal(t, "i want to die", state.TriggerText)
	assert.Equal(t, "s1", state.SourceSessionID)
	sender, err := f.registry.Lookup("s1")
	require.NoError(t, err)
	assert.Equal(t, sender.DisplayCode, state.SourceDisplayCode)

	activated := f.publisher.ofType(types.EventCrisisActivated)
	require.Len(t, activated, 1)
	assert.Equal(t, types.GlobalScope(), activated[0].scope)

	armed := f.publisher.ofType(types.EventFreezeArmed)
	require.Len(t, armed, 1)
	assert.Equal(t, types.SessionScope("s1"), armed[0].scope)

	frozen, err := f.registry.IsFrozen("s1", start.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, frozen)
	frozen, err = f.registry.IsFrozen("s2", start.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, frozen, "only the sender is frozen")

	require.Len(t, f.listener.activated, 1)
}

func TestHandleMessage_RefreshExtendsWithoutReannouncing(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1", "s2")
	start := f.clock.Now()

	_, err := f.coord.HandleMessage("s1", "suicide", types.CategoryCrisis)
	require.NoError(t, err)

	f.clock.Advance(100 * time.Second)
	outcome, err := f.coord.HandleMessage("s2", "end it all", types.CategoryCrisis)
	require.NoError(t, err)
	assert.False(t, outcome.Activated)
	assert.True(t, outcome.Refreshed)

	state, active := f.coord.State(types.GlobalScope())
	require.True(t, active)
	assert.Equal(t, start, state.StartedAt)
	assert.Equal(t, start.Add(400*time.Second), state.ExpiresAt)
	assert.Equal(t, "s2", state.SourceSessionID)
	assert.Equal(t, 1, state.Refreshes)

	assert.Len(t, f.publisher.ofType(types.EventCrisisActivated), 1)
	assert.Len(t, f.listener.refreshed, 1)

	// Original expiry passes without ending the refreshed crisis.
	f.clock.Advance(250 * time.Second)
	assert.Equal(t, 0, f.coord.Sweep(f.clock.Now()))
	assert.True(t, f.coord.IsActive(types.GlobalScope(), f.clock.Now()))

	f.clock.Advance(50 * time.Second)
	assert.Equal(t, 1, f.coord.Sweep(f.clock.Now()))
	assert.False(t, f.coord.IsActive(types.GlobalScope(), f.clock.Now()))
}

func TestSweep_ExpiresAfterDuration(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1")
	start := f.clock.Now()

	_, err := f.coord.HandleMessage("s1", "kill myself", types.CategoryCrisis)
	require.NoError(t, err)

	assert.Equal(t, 0, f.coord.Sweep(start.Add(299*time.Second)))
	assert.Equal(t, 1, f.coord.Sweep(start.Add(300*time.Second)))
	assert.Equal(t, 0, f.coord.Sweep(start.Add(301*time.Second)), "expiry is announced once")

	expired := f.publisher.ofType(types.EventCrisisExpired)
	require.Len(t, expired, 1)
	payload := expired[0].payload.(types.CrisisExpiredPayload)
	assert.Equal(t, ReasonExpired, payload.Reason)
	assert.Equal(t, []string{"global:expired"}, f.listener.ended)
}

func TestState_LapsedButUnsweptReadsInactive(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1")

	_, err := f.coord.HandleMessage("s1", "suicide", types.CategoryCrisis)
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, active := f.coord.State(types.GlobalScope())
	assert.False(t, active)
	assert.Empty(t, f.coord.States())

	// A non-crisis message after lapse arms no freeze.
	outcome, err := f.coord.HandleMessage("s1", "hello", types.CategoryNeutral)
	require.NoError(t, err)
	assert.Nil(t, outcome.FrozenUntil)
}

func TestHandleMessage_TriggerAfterLapseStartsFreshCrisis(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1")

	_, err := f.coord.HandleMessage("s1", "suicide", types.CategoryCrisis)
	require.NoError(t, err)
	f.clock.Advance(6 * time.Minute)

	outcome, err := f.coord.HandleMessage("s1", "suicide", types.CategoryCrisis)
	require.NoError(t, err)
	assert.True(t, outcome.Activated)
	assert.Len(t, f.publisher.ofType(types.EventCrisisActivated), 2)
	assert.Len(t, f.publisher.ofType(types.EventCrisisExpired), 1)
	assert.Equal(t, []string{"global:expired"}, f.listener.ended)
}

func TestArmFreeze_EveryMessageWhileActive(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "s1", "s2")

	_, err := f.coord.HandleMessage("s1", "suicide", types.CategoryCrisis)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	outcome, err := f.coord.HandleMessage("s2", "you are loved", types.CategoryUplifting)
	require.NoError(t, err)
	require.NotNil(t, outcome.FrozenUntil)
	assert.Equal(t, f.clock.Now().Add(5*time.Second), *outcome.FrozenUntil)
	assert.Len(t, f.publisher.ofType(types.EventFreezeArmed), 2)
}

func TestGroupPolicy_ScopesAreIndependent(t *testing.T) {
	f := newFixture(t, PolicyGroup)
	// Capacity 2: a,b in group 1 and c in group 2.
	f.register(t, "a", "b", "c")

	_, err := f.coord.HandleMessage("a", "suicide", types.CategoryCrisis)
	require.NoError(t, err)

	assert.True(t, f.coord.IsActive(types.GroupScope(1), f.clock.Now()))
	assert.False(t, f.coord.IsActive(types.GroupScope(2), f.clock.Now()))
	assert.False(t, f.coord.IsActive(types.GlobalScope(), f.clock.Now()))

	outcome, err := f.coord.HandleMessage("c", "hello", types.CategoryNeutral)
	require.NoError(t, err)
	assert.Nil(t, outcome.FrozenUntil, "group 2 is not in crisis")

	f.clock.Advance(time.Minute)
	outcome, err = f.coord.HandleMessage("c", "want to die", types.CategoryCrisis)
	require.NoError(t, err)
	assert.True(t, outcome.Activated, "a new scope announces its own activation")

	activated := f.publisher.ofType(types.EventCrisisActivated)
	require.Len(t, activated, 2)
	assert.Equal(t, types.GroupScope(1), activated[0].scope)
	assert.Equal(t, types.GroupScope(2), activated[1].scope)

	states := f.coord.States()
	require.Len(t, states, 2)
	assert.Equal(t, "group:1", states[0].Scope)
	assert.Equal(t, "group:2", states[1].Scope)

	// Group 1 expires first.
	f.clock.Advance(4 * time.Minute)
	assert.Equal(t, 1, f.coord.Sweep(f.clock.Now()))
	assert.False(t, f.coord.IsActive(types.GroupScope(1), f.clock.Now()))
	assert.True(t, f.coord.IsActive(types.GroupScope(2), f.clock.Now()))
}

func TestActivate_Manual(t *testing.T) {
	f := newFixture(t, PolicyGlobal)

	state, err := f.coord.Activate(types.GlobalScope(), "")
	require.NoError(t, err)
	assert.True(t, state.Active)
	assert.True(t, state.Manual)
	assert.Equal(t, "Manual activation", state.TriggerText)

	_, err = f.coord.Activate(types.GroupScope(1), "drill")
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestActivate_GroupPolicyRejectsGlobal(t *testing.T) {
	f := newFixture(t, PolicyGroup)

	_, err := f.coord.Activate(types.GlobalScope(), "drill")
	assert.ErrorIs(t, err, ErrScopeMismatch)

	// Capacity 2: a,b in group 1 and c in group 2.
	f.register(t, "a", "b", "c")
	_, err = f.coord.Activate(types.GroupScope(2), "drill")
	require.NoError(t, err)
	assert.True(t, f.coord.IsActive(types.GroupScope(2), f.clock.Now()))

	_, err = f.coord.Activate(types.GroupScope(4), "drill")
	assert.ErrorIs(t, err, types.ErrGroupNotFound, "group 4 was never issued")
	_, err = f.coord.Activate(types.Scope{Kind: types.ScopeGroup, ID: "0"}, "drill")
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestActivate_GroupScopeIsCanonicalised(t *testing.T) {
	f := newFixture(t, PolicyGroup)
	f.register(t, "a")

	// "group:01" and "group:1" name the same group.
	scope := types.Scope{Kind: types.ScopeGroup, ID: "01"}
	state, err := f.coord.Activate(scope, "drill")
	require.NoError(t, err)
	assert.Equal(t, "group:1", state.Scope)

	member, active, err := f.coord.StateForSession("a")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "group:1", member.Scope)

	_, armed, err := f.coord.ArmFreeze("a")
	require.NoError(t, err)
	assert.True(t, armed)

	activated := f.publisher.ofType(types.EventCrisisActivated)
	require.Len(t, activated, 1)
	assert.Equal(t, types.GroupScope(1), activated[0].scope)

	require.NoError(t, f.coord.Deactivate(types.Scope{Kind: types.ScopeGroup, ID: "+1"}))
	assert.Empty(t, f.coord.States())
}

func TestActivate_ReclaimedGroupIsRejected(t *testing.T) {
	f := newFixture(t, PolicyGroup)
	f.register(t, "a")
	_, _, err := f.registry.Unregister("a")
	require.NoError(t, err)

	_, err = f.coord.Activate(types.GroupScope(1), "drill")
	assert.ErrorIs(t, err, types.ErrGroupNotFound)
	assert.Empty(t, f.coord.States())
	assert.Empty(t, f.publisher.ofType(types.EventCrisisActivated))
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t, PolicyGlobal)

	assert.ErrorIs(t, f.coord.Deactivate(types.GlobalScope()), ErrCrisisNotActive)

	_, err := f.coord.Activate(types.GlobalScope(), "drill")
	require.NoError(t, err)
	require.NoError(t, f.coord.Deactivate(types.GlobalScope()))
	assert.False(t, f.coord.IsActive(types.GlobalScope(), f.clock.Now()))

	expired := f.publisher.ofType(types.EventCrisisExpired)
	require.Len(t, expired, 1)
	assert.Equal(t, ReasonDeactivated, expired[0].payload.(types.CrisisExpiredPayload).Reason)
	assert.Equal(t, []string{"global:deactivated"}, f.listener.ended)
}

func TestAdmit_LateJoiner(t *testing.T) {
	f := newFixture(t, PolicyGlobal)

	join := func(id string) func() (*types.Session, error) {
		return func() (*types.Session, error) { return f.registry.Register(id) }
	}

	sess, sent, err := f.coord.Admit(join("s1"))
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.False(t, sent)

	_, err = f.coord.HandleMessage("s1", "suicide", types.CategoryCrisis)
	require.NoError(t, err)

	_, sent, err = f.coord.Admit(join("late"))
	require.NoError(t, err)
	assert.True(t, sent)

	activated := f.publisher.ofType(types.EventCrisisActivated)
	require.Len(t, activated, 2)
	assert.Equal(t, types.SessionScope("late"), activated[1].scope)

	_, _, err = f.coord.Admit(join("late"))
	assert.ErrorIs(t, err, types.ErrSessionExists)
	assert.Len(t, f.publisher.ofType(types.EventCrisisActivated), 2)
}

func TestAdmit_GroupPolicyOnlyResyncsOwnGroup(t *testing.T) {
	f := newFixture(t, PolicyGroup)
	f.register(t, "a", "b")
	_, err := f.coord.Activate(types.GroupScope(1), "drill")
	require.NoError(t, err)

	// Group 1 is full, so c opens group 2.
	_, sent, err := f.coord.Admit(func() (*types.Session, error) { return f.registry.Register("c") })
	require.NoError(t, err)
	assert.False(t, sent)
}

// orderedListener records every transition in one sequence.
type orderedListener struct {
	mu     sync.Mutex
	events []string
}

func (l *orderedListener) record(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, kind)
}

func (l *orderedListener) CrisisActivated(types.CrisisState)     { l.record("activated") }
func (l *orderedListener) CrisisRefreshed(types.CrisisState)     { l.record("refreshed") }
func (l *orderedListener) CrisisEnded(types.CrisisState, string) { l.record("ended") }

func TestListenersSeeTransitionsInCommitOrder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := session.NewRegistry(allocator.New(2, clock.Now), clock.Now, zerolog.Nop())
	listener := &orderedListener{}
	coord := NewCoordinator(Options{}, registry, &recordingPublisher{}, clock.Now, zerolog.Nop(), listener)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, err := coord.Activate(types.GlobalScope(), "drill")
				assert.NoError(t, err)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = coord.Deactivate(types.GlobalScope())
			}
		}()
	}
	wg.Wait()

	open := false
	for i, kind := range listener.events {
		switch kind {
		case "activated":
			require.False(t, open, "event %d: activated while already open", i)
			open = true
		case "refreshed", "ended":
			require.True(t, open, "event %d: %s with no open activation", i, kind)
			open = kind == "refreshed"
		}
	}
	_, active := coord.State(types.GlobalScope())
	assert.Equal(t, active, open, "listener view matches the final state")
}

func TestHandleMessage_UnknownSession(t *testing.T) {
	f := newFixture(t, PolicyGlobal)

	_, err := f.coord.HandleMessage("ghost", "suicide", types.CategoryCrisis)
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
	assert.Empty(t, f.coord.States())
}

func TestStartStop(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	registry := session.NewRegistry(allocator.New(7, clock.Now), clock.Now, zerolog.Nop())
	publisher := &recordingPublisher{}
	coord := NewCoordinator(Options{SweepInterval: 10 * time.Millisecond}, registry, publisher, clock.Now, zerolog.Nop())

	assert.ErrorIs(t, coord.Stop(), ErrCoordinatorNotRunning)
	require.NoError(t, coord.Start(context.Background()))
	assert.ErrorIs(t, coord.Start(context.Background()), ErrCoordinatorAlreadyRunning)

	_, err := coord.Activate(types.GlobalScope(), "drill")
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	assert.Eventually(t, func() bool {
		return len(publisher.ofType(types.EventCrisisExpired)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, coord.Stop())
}

func TestConcurrentTriggers(t *testing.T) {
	f := newFixture(t, PolicyGlobal)
	f.register(t, "a", "b", "c", "d")

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.coord.HandleMessage(id, "suicide", types.CategoryCrisis)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Len(t, f.publisher.ofType(types.EventCrisisActivated), 1)
	state, active := f.coord.State(types.GlobalScope())
	require.True(t, active)
	assert.Equal(t, 3, state.Refreshes)
}
