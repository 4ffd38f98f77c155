// Package dag defines the deterministic domain model for the cross-package
// task DAG: graph construction, level scheduling, and execution state.
//
// It is intentionally split into:
//   - Immutable graph definition (TaskGraph): tasks + dependency structure + stable GraphHash
//   - Mutable execution state (ExecutionState): runtime statuses and results
//
// The graph identity (GraphHash) is computed from task definition content and
// canonicalized edge structure, making it invariant to insertion order.
package dag
