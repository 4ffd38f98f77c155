package checkpoint

import (
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/trace"
)

// Recorder persists one RunCheckpoint per task as the executor reaches a
// terminal state for that task. It implements dag.NodeObserver.
//
// A task is only checkpointed once its trace carries a completion event
// (TaskExecuted, TaskCached, or TaskArtifactsRestored); a failed task is not
// checkpointed since FinalState already records StateFailed and there is
// nothing to resume from.
type Recorder struct {
	Store *Store
	RunID string
}

func NewRecorder(store *Store, runID string) *Recorder {
	return &Recorder{Store: store, RunID: runID}
}

func (r *Recorder) OnTaskTerminal(task core.TaskDefinition, result *dag.NodeResult, traceEvents []trace.TraceEvent) error {
	if r == nil || r.Store == nil {
		return fmt.Errorf("checkpoint: nil Store")
	}
	if result == nil || result.ExitCode != 0 {
		return nil
	}
	if !hasCompletionEvent(traceEvents, task.Name) {
		return nil
	}

	cp := RunCheckpoint{
		RunID:      r.RunID,
		TaskName:   task.Name,
		State:      core.StateCompleted,
		CacheKey:   result.CacheKey,
		FinishedAt: time.Now().UTC(),
	}
	return r.Store.SaveCheckpoint(cp)
}

func hasCompletionEvent(events []trace.TraceEvent, taskName string) bool {
	for _, e := range events {
		if e.TaskID != taskName {
			continue
		}
		switch e.Kind {
		case trace.EventTaskExecuted, trace.EventTaskCached, trace.EventTaskArtifactsRestored:
			return true
		}
	}
	return false
}
