// Package graph holds pure checks over the task dependency graph.
package graph

import "context"

// EdgeLookup returns the tasks that taskID depends on.
type EdgeLookup func(ctx context.Context, taskID int64) ([]int64, error)

// WouldCreateCycle reports whether adding taskID -> dependsOnID closes a cycle,
// that is whether taskID is already reachable from dependsOnID. It walks
// outgoing edges iteratively and visits each node at most once.
func WouldCreateCycle(ctx context.Context, taskID, dependsOnID int64, lookup EdgeLookup) (bool, error) {
	if taskID == dependsOnID {
		return true, nil
	}
	visited := map[int64]struct{}{dependsOnID: {}}
	stack := []int64{dependsOnID}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		next, err := lookup(ctx, cur)
		if err != nil {
			return false, err
		}
		for _, n := range next {
			if n == taskID {
				return true, nil
			}
			if _, seen := visited[n]; seen {
				continue
			}
			visited[n] = struct{}{}
			stack = append(stack, n)
		}
	}
	return false, nil
}

// Adjacency is an in-memory EdgeLookup, mostly for tests and previews.
type Adjacency map[int64][]int64

func (a Adjacency) Lookup(_ context.Context, taskID int64) ([]int64, error) {
	return a[taskID], nil
}
