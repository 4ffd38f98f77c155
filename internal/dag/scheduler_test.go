package dag

import (
	"reflect"
	"testing"

	"github.com/taskmesh/taskmesh/internal/core"
)

func TestScheduler_ReadyTasks_SortedByDepthThenName(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
			td("D", []string{"d"}, "run-d"),
		},
		[]Edge{{From: "A", To: "C"}, {From: "B", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A and B completed => C and D become ready. Both are depth 1, so lexical by name.
	state := ExecutionState{
		"A": core.StateCompleted,
		"B": core.StateCompleted,
		"C": core.StatePending,
		"D": core.StatePending,
	}

	got := GetReadyTasks(g, state)
	want := []string{"C", "D"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ready list mismatch: got %v want %v", got, want)
	}
}

func TestScheduler_ReadyTasks_RootsLexicalOrder(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("B", []string{"b"}, "run-b"),
			td("A", []string{"a"}, "run-a"),
			td("C", []string{"c"}, "run-c"),
		},
		nil,
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	state := ExecutionState{
		"A": core.StatePending,
		"B": core.StatePending,
		"C": core.StatePending,
	}

	got := GetReadyTasks(g, state)
	want := []string{"A", "B", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ready list mismatch: got %v want %v", got, want)
	}
}

func TestScheduler_DiamondConvergence_WaitsForAllParents(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
			td("D", []string{"d"}, "run-d"),
		},
		[]Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// After A completes, B and C are ready, D is not.
	state := ExecutionState{
		"A": core.StateCompleted,
		"B": core.StatePending,
		"C": core.StatePending,
		"D": core.StatePending,
	}
	got := GetReadyTasks(g, state)
	if !reflect.DeepEqual(got, []string{"B", "C"}) {
		t.Fatalf("unexpected ready list after A completed: %v", got)
	}

	// After B completes but C still pending, D must still not be ready.
	state["B"] = core.StateCompleted
	got = GetReadyTasks(g, state)
	if !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("unexpected ready list after B completed: %v", got)
	}

	// After C completes (whether from cache or fresh execution is opaque to
	// the scheduler), D becomes ready.
	state["C"] = core.StateCompleted
	got = GetReadyTasks(g, state)
	if !reflect.DeepEqual(got, []string{"D"}) {
		t.Fatalf("unexpected ready list after C completed: %v", got)
	}
}
