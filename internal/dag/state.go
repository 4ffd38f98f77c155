package dag

import "github.com/taskmesh/taskmesh/internal/core"

// ExecutionState maps task name to its current core.TaskState for one
// execution attempt. It is a plain map so the scheduler can remain a pure
// function without coupling to an executor implementation, and so the same
// TaskGraph can be run multiple times without mutating the graph itself.
type ExecutionState map[string]core.TaskState
