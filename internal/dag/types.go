package dag

import "github.com/taskmesh/taskmesh/internal/core"

// GraphHash is the deterministic identity of a TaskGraph, computed solely
// from task definition content and dependency structure. It is stable
// across different insertion orders of tasks and edges.
type GraphHash string

// TaskDefHash is the deterministic identity of a task definition as used
// by the DAG model. It is intentionally distinct from a task's cache key
// (execution/cache identity, computed per-run from resolved inputs), since
// DAG identity only needs the declarative definition fields.
type TaskDefHash string

// Edge represents a dependency relation: To depends on From. A directed
// edge From -> To means To can only run after From completes successfully.
type Edge struct {
	From string
	To   string
}

// TaskNode is an immutable node in the TaskGraph.
type TaskNode struct {
	Name           string
	Definition     core.TaskDefinition
	DefinitionHash TaskDefHash
	canonicalIndex int
}

// CanonicalIndex returns the node's deterministic position in the graph's
// canonical ordering.
func (n *TaskNode) CanonicalIndex() int { return n.canonicalIndex }

func (h GraphHash) String() string { return string(h) }

func (h TaskDefHash) String() string { return string(h) }
