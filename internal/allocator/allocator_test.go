package allocator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soulchat/pkg/types"
)

func TestAllocator_DefaultCapacity(t *testing.T) {
	assert.Equal(t, types.DefaultGroupCapacity, New(0, nil).Capacity())
	assert.Equal(t, 3, New(3, nil).Capacity())
}

// Sessions A..H connect: A-G fill group 1, H opens group 2. G leaves, then
// the rest of group 1 leaves; group 1 is reclaimed and group 2 keeps its id.
func TestAllocator_EightSessionScenario(t *testing.T) {
	a := New(7, nil)
	names := []string{"A", "B", "C", "D", "E", "F", "G", "H"}

	for i, name := range names {
		id, err := a.Assign(name)
		require.NoError(t, err)
		if i < 7 {
			assert.Equal(t, types.GroupID(1), id, "session %s", name)
		} else {
			assert.Equal(t, types.GroupID(2), id, "session %s", name)
		}
	}

	_, removed, err := a.Release("G")
	require.NoError(t, err)
	assert.False(t, removed)

	members, err := a.Members(1)
	require.NoError(t, err)
	assert.Len(t, members, 6)
	members, err = a.Members(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"H"}, members)

	for _, name := range []string{"A", "B", "C", "D", "E"} {
		_, removed, err := a.Release(name)
		require.NoError(t, err)
		assert.False(t, removed)
	}
	id, removed, err := a.Release("F")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, types.GroupID(1), id)

	_, err = a.Members(1)
	assert.ErrorIs(t, err, types.ErrGroupNotFound)

	groups := a.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, types.GroupID(2), groups[0].ID)
	assert.Equal(t, "group-2", groups[0].Label)

	// The next group opened after group 2 fills is 3, never a reused 1.
	for i := 0; i < 6; i++ {
		id, err := a.Assign(fmt.Sprintf("fill-%d", i))
		require.NoError(t, err)
		assert.Equal(t, types.GroupID(2), id)
	}
	id, err = a.Assign("overflow")
	require.NoError(t, err)
	assert.Equal(t, types.GroupID(3), id)
	require.NoError(t, a.CheckInvariants())
}

func TestAllocator_FirstFitByCreationOrder(t *testing.T) {
	a := New(2, nil)

	for _, s := range []string{"a", "b", "c", "d"} {
		_, err := a.Assign(s)
		require.NoError(t, err)
	}
	_, _, err := a.Release("a")
	require.NoError(t, err)

	id, err := a.Assign("e")
	require.NoError(t, err)
	assert.Equal(t, types.GroupID(1), id, "oldest group with room is chosen")
}

func TestAllocator_AssignIsIdempotent(t *testing.T) {
	a := New(7, nil)

	first, err := a.Assign("s1")
	require.NoError(t, err)
	second, err := a.Assign("s1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	members, err := a.Members(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)
}

func TestAllocator_ReleaseUnknown(t *testing.T) {
	a := New(7, nil)

	_, _, err := a.Release("ghost")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)

	_, err = a.Assign("s1")
	require.NoError(t, err)
	_, _, err = a.Release("s1")
	require.NoError(t, err)
	_, _, err = a.Release("s1")
	assert.ErrorIs(t, err, types.ErrSessionNotFound)
}

func TestAllocator_GroupOf(t *testing.T) {
	a := New(7, nil)

	_, ok := a.GroupOf("s1")
	assert.False(t, ok)

	id, err := a.Assign("s1")
	require.NoError(t, err)
	got, ok := a.GroupOf("s1")
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestAllocator_ConcurrentAssignRelease(t *testing.T) {
	a := New(7, nil)
	const workers = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessionID := fmt.Sprintf("s-%d", i)
			_, err := a.Assign(sessionID)
			assert.NoError(t, err)
			if i%3 == 0 {
				_, _, err = a.Release(sessionID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, a.CheckInvariants())
	total := 0
	for _, g := range a.Groups() {
		assert.LessOrEqual(t, len(g.Members), 7)
		total += len(g.Members)
	}
	assert.Equal(t, workers-(workers+2)/3, total)
}

// Property: for any interleaving of connects and disconnects no group exceeds
// capacity, empty groups are gone right after the release that emptied them,
// and issued group ids are never handed out again.
func TestProperty_CapacityInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("groups stay within capacity and ids are never reused", prop.ForAll(
		func(ops []int) bool {
			a := New(types.DefaultGroupCapacity, nil)
			var live []string
			retired := make(map[types.GroupID]bool)
			next := 0

			for _, op := range ops {
				if op%3 != 0 || len(live) == 0 {
					sessionID := fmt.Sprintf("s-%d", next)
					next++
					id, err := a.Assign(sessionID)
					if err != nil || retired[id] {
						return false
					}
					live = append(live, sessionID)
				} else {
					idx := op % len(live)
					sessionID := live[idx]
					live = append(live[:idx], live[idx+1:]...)
					id, removed, err := a.Release(sessionID)
					if err != nil {
						return false
					}
					_, membersErr := a.Members(id)
					if removed {
						retired[id] = true
						if membersErr == nil {
							return false
						}
					} else if membersErr != nil {
						return false
					}
				}
				if err := a.CheckInvariants(); err != nil {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
