// Package allocator places sessions into bounded-capacity conversation groups.
package allocator

import (
	"fmt"
	"sync"
	"time"

	"soulchat/pkg/types"
)

// group is the allocator's private bookkeeping for one cohort.
type group struct {
	id        types.GroupID
	members   []string // join order
	createdAt time.Time
}

// Allocator assigns sessions to groups.
// ARCHITECTURAL DISCOVERY: groups is kept in creation order so first-fit
// selection is a linear scan; byID and memberOf give O(1) release.
// All methods are linearizable under a single mutex.
type Allocator struct {
	mu       sync.RWMutex
	capacity int
	nextID   types.GroupID
	groups   []*group
	byID     map[types.GroupID]*group
	memberOf map[string]types.GroupID
	clock    types.Clock
}

// New creates an allocator with the given per-group capacity. A capacity of
// zero or less uses types.DefaultGroupCapacity.
func New(capacity int, clock types.Clock) *Allocator {
	if capacity <= 0 {
		capacity = types.DefaultGroupCapacity
	}
	if clock == nil {
		clock = types.SystemClock()
	}
	return &Allocator{
		capacity: capacity,
		nextID:   1,
		byID:     make(map[types.GroupID]*group),
		memberOf: make(map[string]types.GroupID),
		clock:    clock,
	}
}

// Capacity returns the maximum group size.
func (a *Allocator) Capacity() int {
	return a.capacity
}

// Assign places sessionID into the first group, by creation order, with
// spare capacity, creating a new group when none has room. Assigning an
// already placed session returns its existing group.
func (a *Allocator) Assign(sessionID string) (types.GroupID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, exists := a.memberOf[sessionID]; exists {
		return id, nil
	}

	var target *group
	for _, g := range a.groups {
		if len(g.members) < a.capacity {
			target = g
			break
		}
	}

	if target == nil {
		target = &group{id: a.nextID, createdAt: a.clock()}
		a.nextID++
		a.groups = append(a.groups, target)
		a.byID[target.id] = target
	}

	target.members = append(target.members, sessionID)
	if len(target.members) > a.capacity {
		// Undo so the table stays within bounds.
		target.members = target.members[:len(target.members)-1]
		return 0, fmt.Errorf("%w: group %d has %d members", types.ErrCapacityInvariant, target.id, len(target.members)+1)
	}
	a.memberOf[sessionID] = target.id
	return target.id, nil
}

// Release removes sessionID from its group. The returned flag reports
// whether the group became empty and was deleted.
func (a *Allocator) Release(sessionID string) (types.GroupID, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, exists := a.memberOf[sessionID]
	if !exists {
		return 0, false, types.ErrSessionNotFound
	}
	delete(a.memberOf, sessionID)

	g := a.byID[id]
	for i, member := range g.members {
		if member == sessionID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}

	if len(g.members) > 0 {
		return id, false, nil
	}

	delete(a.byID, id)
	for i, candidate := range a.groups {
		if candidate == g {
			a.groups = append(a.groups[:i], a.groups[i+1:]...)
			break
		}
	}
	return id, true, nil
}

// GroupOf returns the group a session was assigned to.
func (a *Allocator) GroupOf(sessionID string) (types.GroupID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, exists := a.memberOf[sessionID]
	return id, exists
}

// Members returns the members of a live group in join order.
func (a *Allocator) Members(id types.GroupID) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	g, exists := a.byID[id]
	if !exists {
		return nil, types.ErrGroupNotFound
	}
	return append([]string(nil), g.members...), nil
}

// Groups returns a snapshot of live groups in creation order.
func (a *Allocator) Groups() []types.Group {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.Group, 0, len(a.groups))
	for _, g := range a.groups {
		out = append(out, types.Group{
			ID:        g.id,
			Label:     g.id.Label(),
			Members:   append([]string(nil), g.members...),
			CreatedAt: g.createdAt,
		})
	}
	return out
}

// CheckInvariants verifies every live group is non-empty and within
// capacity, and that the membership index agrees with the group table.
func (a *Allocator) CheckInvariants() error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := 0
	for _, g := range a.groups {
		if len(g.members) > a.capacity {
			return fmt.Errorf("%w: group %d has %d members", types.ErrCapacityInvariant, g.id, len(g.members))
		}
		if len(g.members) == 0 {
			return fmt.Errorf("empty group %d retained", g.id)
		}
		for _, member := range g.members {
			if a.memberOf[member] != g.id {
				return fmt.Errorf("session %s indexed to group %d but listed in group %d", member, a.memberOf[member], g.id)
			}
		}
		seen += len(g.members)
	}
	if seen != len(a.memberOf) {
		return fmt.Errorf("membership index has %d sessions, groups hold %d", len(a.memberOf), seen)
	}
	if len(a.byID) != len(a.groups) {
		return fmt.Errorf("group index has %d entries, table has %d", len(a.byID), len(a.groups))
	}
	return nil
}
