package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWouldCreateCycle_DirectReverse(t *testing.T) {
	g := Adjacency{2: {1}}
	cycle, err := WouldCreateCycle(context.Background(), 1, 2, g.Lookup)
	require.NoError(t, err)
	assert.True(t, cycle, "1->2 closes 2->1")
}

func TestWouldCreateCycle_Transitive(t *testing.T) {
	// A(1) -> B(2) -> C(3); adding C -> A must be rejected.
	g := Adjacency{1: {2}, 2: {3}}
	cycle, err := WouldCreateCycle(context.Background(), 3, 1, g.Lookup)
	require.NoError(t, err)
	assert.True(t, cycle)
}

func TestWouldCreateCycle_Acyclic(t *testing.T) {
	g := Adjacency{1: {2}, 2: {3}, 4: {3}}
	for _, tc := range []struct {
		name           string
		task, dependOn int64
	}{
		{"parallel branch", 4, 2},
		{"extend chain", 3, 5},
		{"shortcut", 1, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cycle, err := WouldCreateCycle(context.Background(), tc.task, tc.dependOn, g.Lookup)
			require.NoError(t, err)
			assert.False(t, cycle)
		})
	}
}

func TestWouldCreateCycle_SelfLoop(t *testing.T) {
	cycle, err := WouldCreateCycle(context.Background(), 7, 7, Adjacency{}.Lookup)
	require.NoError(t, err)
	assert.True(t, cycle)
}

func TestWouldCreateCycle_DiamondVisitsOnce(t *testing.T) {
	g := Adjacency{1: {2, 3}, 2: {4}, 3: {4}, 4: {5}}
	calls := map[int64]int{}
	lookup := func(ctx context.Context, id int64) ([]int64, error) {
		calls[id]++
		return g.Lookup(ctx, id)
	}
	cycle, err := WouldCreateCycle(context.Background(), 9, 1, lookup)
	require.NoError(t, err)
	assert.False(t, cycle)
	for id, n := range calls {
		assert.Equal(t, 1, n, "node %d expanded more than once", id)
	}
}

func TestWouldCreateCycle_LookupError(t *testing.T) {
	boom := errors.New("store unavailable")
	lookup := func(context.Context, int64) ([]int64, error) { return nil, boom }
	_, err := WouldCreateCycle(context.Background(), 1, 2, lookup)
	require.ErrorIs(t, err, boom)
}
