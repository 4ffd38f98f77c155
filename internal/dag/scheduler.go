package dag

import (
	"sort"

	"github.com/taskmesh/taskmesh/internal/core"
)

// GetReadyTasks returns the deterministically ordered list of task names
// that are eligible to run.
//
// A task is ready iff it is Pending and all its dependencies are Completed.
// The returned list is sorted by (topological depth asc, task name asc).
// This function is pure: it does not mutate graph or state.
func GetReadyTasks(g *TaskGraph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	ready := make([]string, 0)
	for _, node := range g.nodes {
		st, ok := state[node.Name]
		if !ok || st != core.StatePending {
			continue
		}

		idx := node.canonicalIndex
		depsOK := true
		for _, parentIdx := range g.incoming[idx] {
			parentName := g.nodes[parentIdx].Name
			if pst, ok := state[parentName]; !ok || pst != core.StateCompleted {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, node.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})

	return ready
}
