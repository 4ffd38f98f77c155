package dag

// GraphResult is the deterministic summary of a graph execution attempt:
// final per-node states, the observed execution order, and per-node
// outcomes, plus a canonical trace for determinism proofs and replay
// debugging.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each node by name.
	FinalState ExecutionState

	// ExecutionOrder is the ordered list of tasks that were started
	// (transitioned to Running).
	ExecutionOrder []string

	// CacheKeys records the deterministic per-node cache key, when cache
	// participation was enabled for that task.
	CacheKeys map[string]string

	Stdout   map[string][]byte
	Stderr   map[string][]byte
	ExitCode map[string]int

	TraceHash  string
	TraceBytes []byte
}
