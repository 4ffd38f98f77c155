package dag

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/taskmesh/taskmesh/internal/core"
)

type fakeRunner struct {
	exit map[string]int
}

func (r *fakeRunner) Probe(_ context.Context, _ core.TaskDefinition, _ map[string]string, _ string) (*NodeResult, bool, error) {
	return nil, false, nil
}

func (r *fakeRunner) Run(_ context.Context, task core.TaskDefinition, _ map[string]string, _ string) (*NodeResult, error) {
	if task.Name == "" {
		return nil, fmt.Errorf("missing task name")
	}

	exitCode := 0
	if code, ok := r.exit[task.Name]; ok {
		exitCode = code
	}
	return &NodeResult{ExitCode: exitCode}, nil
}

func TestExecutorSerial_RespectsSchedulerOrderOnComplexGraph(t *testing.T) {
	// Graph:
	//   A -> C
	//   B -> D
	//   E (independent)
	//
	// Depth 0: A, B, E => lexical A,B,E. Depth 1: C, D => lexical C,D.
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
			td("D", []string{"d"}, "run-d"),
			td("E", []string{"e"}, "run-e"),
		},
		[]Edge{{From: "A", To: "C"}, {From: "B", To: "D"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := NewExecutor(g, &fakeRunner{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := exec.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []string{"A", "B", "E", "C", "D"}
	if !reflect.DeepEqual(res.ExecutionOrder, wantOrder) {
		t.Fatalf("execution order mismatch: got %v want %v", res.ExecutionOrder, wantOrder)
	}

	for _, name := range []string{"A", "B", "C", "D", "E"} {
		if res.FinalState[name] != core.StateCompleted {
			t.Fatalf("expected %s COMPLETED, got %s", name, res.FinalState[name])
		}
	}
}

func TestExecutorSerial_FailurePropagatesAndContinuesIndependentWork(t *testing.T) {
	// Graph:
	//   A -> B -> C
	//   D (independent)
	//
	// A fails; B and C become SKIPPED; D still runs (StopOnError defaults to false).
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
			td("D", []string{"d"}, "run-d"),
		},
		[]Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exec, err := NewExecutor(g, &fakeRunner{exit: map[string]int{"A": 7}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := exec.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Depth 0 nodes are A and D => lexical A then D.
	if !reflect.DeepEqual(res.ExecutionOrder, []string{"A", "D"}) {
		t.Fatalf("unexpected execution order: %v", res.ExecutionOrder)
	}

	if res.FinalState["A"] != core.StateFailed {
		t.Fatalf("expected A failed, got %s", res.FinalState["A"])
	}
	if res.FinalState["B"] != core.StateSkipped {
		t.Fatalf("expected B skipped, got %s", res.FinalState["B"])
	}
	if res.FinalState["C"] != core.StateSkipped {
		t.Fatalf("expected C skipped, got %s", res.FinalState["C"])
	}
	if res.FinalState["D"] != core.StateCompleted {
		t.Fatalf("expected D completed, got %s", res.FinalState["D"])
	}
}
