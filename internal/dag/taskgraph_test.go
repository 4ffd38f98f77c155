package dag

import (
	"errors"
	"testing"

	"github.com/taskmesh/taskmesh/internal/core"
)

func td(name string, inputs []string, cmd string) core.TaskDefinition {
	return core.TaskDefinition{Name: name, Inputs: inputs, Exec: core.ExecMode{Command: cmd}}
}

func TestGraphConstruction_SingleNode(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.TaskDefinition{td("A", []string{"in.txt"}, "echo hi")},
		nil,
	)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if g == nil {
		t.Fatalf("expected graph")
	}
	if g.Hash() == "" {
		t.Fatalf("expected non-empty graph hash")
	}
	if got := g.TopologicalOrder(); len(got) != 1 || got[0] != "A" {
		t.Fatalf("unexpected topo order: %v", got)
	}
}

func TestGraphConstruction_MultipleIndependentNodes(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
		},
		nil,
	)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	order := g.TopologicalOrder()
	if len(order) != 3 {
		t.Fatalf("expected 3 nodes, got %v", order)
	}
	seen := map[string]bool{}
	for _, n := range order {
		seen[n] = true
	}
	for _, n := range []string{"A", "B", "C"} {
		if !seen[n] {
			t.Fatalf("missing node %q in topo order: %v", n, order)
		}
	}
}

func TestGraphConstruction_DependencyChain(t *testing.T) {
	g, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
		},
		[]Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	order := g.TopologicalOrder()
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if !(pos["A"] < pos["B"] && pos["B"] < pos["C"]) {
		t.Fatalf("expected A < B < C, got %v", order)
	}
}

func TestGraphConstruction_DiamondDependency(t *testing.T) {
	// A -> B, A -> C, B -> D, C -> D
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
		t.Fatalf("expected nil error, got %v", err)
	}

	order := g.TopologicalOrder()
	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	if !(pos["A"] < pos["B"] && pos["A"] < pos["C"]) {
		t.Fatalf("expected A before B and C, got %v", order)
	}
	if !(pos["B"] < pos["D"] && pos["C"] < pos["D"]) {
		t.Fatalf("expected D after B and C, got %v", order)
	}

	edges := g.Edges()
	countToD := 0
	for _, e := range edges {
		if e.To == "D" {
			countToD++
		}
	}
	if countToD != 2 {
		t.Fatalf("expected D to have 2 incoming edges, got %d", countToD)
	}

	levels := g.Levels()
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %v", len(levels), levels)
	}
	if len(levels[0]) != 1 || levels[0][0] != "A" {
		t.Fatalf("expected level 0 = [A], got %v", levels[0])
	}
	if len(levels[1]) != 2 || levels[1][0] != "B" || levels[1][1] != "C" {
		t.Fatalf("expected level 1 = [B C], got %v", levels[1])
	}
	if len(levels[2]) != 1 || levels[2][0] != "D" {
		t.Fatalf("expected level 2 = [D], got %v", levels[2])
	}
}

func TestGraphHash_InvariantToInsertionOrder(t *testing.T) {
	tasks1 := []core.TaskDefinition{
		td("A", []string{"b", "a"}, "echo A"),
		td("B", []string{"x"}, "echo B"),
		td("C", []string{"y"}, "echo C"),
	}
	edges1 := []Edge{{From: "A", To: "B"}, {From: "A", To: "C"}}

	g1, err := NewTaskGraph(tasks1, edges1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same structure, different insertion orders.
	tasks2 := []core.TaskDefinition{
		td("C", []string{"y"}, "echo C"),
		td("B", []string{"x"}, "echo B"),
		td("A", []string{"a", "b"}, "echo A"),
	}
	edges2 := []Edge{{From: "A", To: "C"}, {From: "A", To: "B"}}

	g2, err := NewTaskGraph(tasks2, edges2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if g1.Hash() != g2.Hash() {
		t.Fatalf("expected equal graph hashes, got %s vs %s", g1.Hash(), g2.Hash())
	}
}

func TestCycleDetection_SelfLoopRejected(t *testing.T) {
	_, err := NewTaskGraph(
		[]core.TaskDefinition{td("A", []string{"a"}, "run-a")},
		[]Edge{{From: "A", To: "A"}},
	)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("expected invalid graph error, got %v", err)
	}
}

func TestCycleDetection_IndirectCycleRejected(t *testing.T) {
	_, err := NewTaskGraph(
		[]core.TaskDefinition{
			td("A", []string{"a"}, "run-a"),
			td("B", []string{"b"}, "run-b"),
			td("C", []string{"c"}, "run-c"),
		},
		[]Edge{{From: "A", To: "B"}, {From: "B", To: "C"}, {From: "C", To: "A"}},
	)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrCycleFound) {
		t.Fatalf("expected cycle error, got %v", err)
	}
}
