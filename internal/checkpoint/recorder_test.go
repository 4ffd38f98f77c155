package checkpoint

import (
	"testing"

	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/trace"
)

func TestRecorder_OnTaskTerminal_SavesCheckpointOnExecuted(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec := NewRecorder(store, "run-1")

	task := core.TaskDefinition{Name: "build"}
	result := &dag.NodeResult{ExitCode: 0, CacheKey: "key-1"}
	events := []trace.TraceEvent{{Kind: trace.EventTaskExecuted, TaskID: "build"}}

	if err := rec.OnTaskTerminal(task, result, events); err != nil {
		t.Fatalf("OnTaskTerminal: %v", err)
	}

	cp, err := store.LoadCheckpoint("run-1", "build")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.CacheKey != "key-1" || cp.State != core.StateCompleted {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

func TestRecorder_OnTaskTerminal_SavesCheckpointOnCacheHit(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec := NewRecorder(store, "run-1")

	task := core.TaskDefinition{Name: "test"}
	result := &dag.NodeResult{ExitCode: 0, FromCache: true, CacheKey: "key-2"}
	events := []trace.TraceEvent{
		{Kind: trace.EventTaskCached, TaskID: "test"},
		{Kind: trace.EventTaskArtifactsRestored, TaskID: "test"},
	}

	if err := rec.OnTaskTerminal(task, result, events); err != nil {
		t.Fatalf("OnTaskTerminal: %v", err)
	}

	if _, err := store.LoadCheckpoint("run-1", "test"); err != nil {
		t.Fatalf("expected checkpoint to be saved: %v", err)
	}
}

func TestRecorder_OnTaskTerminal_SkipsFailedTask(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec := NewRecorder(store, "run-1")

	task := core.TaskDefinition{Name: "lint"}
	result := &dag.NodeResult{ExitCode: 1}

	if err := rec.OnTaskTerminal(task, result, nil); err != nil {
		t.Fatalf("OnTaskTerminal: %v", err)
	}
	if _, err := store.LoadCheckpoint("run-1", "lint"); err == nil {
		t.Fatalf("expected no checkpoint to be saved for failed task")
	}
}

func TestRecorder_OnTaskTerminal_SkipsWithoutCompletionEvent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	rec := NewRecorder(store, "run-1")

	task := core.TaskDefinition{Name: "build"}
	result := &dag.NodeResult{ExitCode: 0}

	if err := rec.OnTaskTerminal(task, result, nil); err != nil {
		t.Fatalf("OnTaskTerminal: %v", err)
	}
	if _, err := store.LoadCheckpoint("run-1", "build"); err == nil {
		t.Fatalf("expected no checkpoint without a completion trace event")
	}
}
