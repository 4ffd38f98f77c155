package dag

import (
	"container/heap"
	"fmt"

	"github.com/taskmesh/taskmesh/internal/core"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s core.TaskState) bool { return s.IsTerminal() }

// IsSuccessful reports whether the state satisfies downstream dependencies.
func IsSuccessful(s core.TaskState) bool { return s == core.StateCompleted }

// Transition performs an atomic validated transition for a single task.
//
// The caller supplies the expected prior state (from) to make races
// observable. Mutates state if and only if the transition is valid.
func Transition(state ExecutionState, taskName string, from, to core.TaskState) error {
	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", taskName, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", taskName, from, to)
	}
	state[taskName] = to
	return nil
}

func isAllowedTransition(from, to core.TaskState) bool {
	switch from {
	case core.StatePending:
		return to == core.StateRunning || to == core.StateSkipped
	case core.StateRunning:
		return to == core.StateCompleted || to == core.StateFailed
	default:
		return false
	}
}

// FailAndPropagate transitions taskName from Running to Failed and
// transitively marks all downstream dependents as Skipped.
//
// Determinism: the set of nodes marked Skipped is defined purely by
// reachability; traversal is in deterministic canonical index order.
func FailAndPropagate(g *TaskGraph, state ExecutionState, taskName string) error {
	if g == nil {
		return fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[taskName]
	if !ok {
		return fmt.Errorf("unknown task: %q", taskName)
	}

	cur, ok := state[taskName]
	if !ok {
		return fmt.Errorf("unknown task in state: %q", taskName)
	}
	if cur != core.StateRunning && cur != core.StateFailed {
		return fmt.Errorf("cannot fail %q from state %s", taskName, cur)
	}
	if cur == core.StateRunning {
		state[taskName] = core.StateFailed
	}

	start := node.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		st, ok := state[name]
		if !ok {
			return fmt.Errorf("missing state for %q", name)
		}

		switch st {
		case core.StatePending:
			state[name] = core.StateSkipped
		case core.StateRunning:
			return fmt.Errorf("invariant violation: downstream task %q is running during failure propagation", name)
		default:
			// Terminal or non-pending (e.g. already skipped). Leave unchanged.
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return nil
}
