package dag

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/trace"
)

// downstreamReachable returns all downstream dependent task names reachable
// from start (excluding start), ordered by canonical index via a min-heap
// so the result is independent of map iteration and execution timing.
func downstreamReachable(g *TaskGraph, start string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	n, ok := g.nodesByName[start]
	if !ok {
		return nil, fmt.Errorf("unknown task: %q", start)
	}

	startIdx := n.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[startIdx] = true

	hq := &intMinHeap{}
	heap.Init(hq)
	for _, d := range g.outgoing[startIdx] {
		heap.Push(hq, d)
	}

	out := make([]string, 0)
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true
		out = append(out, g.nodes[u].Name)
		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return out, nil
}

// StageFunc stages a task's resolved dependencies before execution,
// returning the CUENV_INPUT_* overlay to merge into its environment and a
// cleanup function to run once the task reaches a terminal state.
type StageFunc func(task core.TaskDefinition) (env map[string]string, cleanup func(), err error)

// NodeObserver is an optional execution observer, invoked after a task
// reaches a successful terminal state. Implementations must be
// deterministic and should avoid heavy IO — this is the hook Run
// Checkpoint persistence uses for crash recovery.
type NodeObserver interface {
	OnTaskTerminal(task core.TaskDefinition, result *NodeResult, traceEvents []trace.TraceEvent) error
}

// Executor executes a TaskGraph: for each topological level in order, every
// ready task runs concurrently (bounded), and the executor awaits the full
// level before advancing.
type Executor struct {
	Graph  *TaskGraph
	Runner TaskRunner

	// WorkingDir is the fallback working directory used for a task whose
	// own WorkingDir is unset; in practice every Builder-produced
	// TaskDefinition already carries an absolute WorkingDir.
	WorkingDir  string
	AmbientEnv  map[string]string
	Stage       StageFunc // optional; nil means no dependency staging
	Observer    NodeObserver
	Bus         *events.Bus
	StopOnError bool

	mu    sync.Mutex
	state ExecutionState
}

// NewExecutor creates an executor with all nodes initialized to Pending.
func NewExecutor(g *TaskGraph, runner TaskRunner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}

	state := make(ExecutionState, len(g.nodes))
	for _, n := range g.nodes {
		state[n.Name] = core.StatePending
	}

	return &Executor{Graph: g, Runner: runner, state: state}, nil
}

// SeedCompleted marks the named tasks Completed before Run starts, so they
// are skipped rather than re-executed. Used to resume a run from persisted
// checkpoints: a task with a prior Completed checkpoint for the same run ID
// is treated as already satisfied. Must be called before Run; returns an
// error if any name is unknown to the graph or already non-Pending.
func (e *Executor) SeedCompleted(names []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range names {
		if _, ok := e.Graph.nodesByName[name]; !ok {
			return fmt.Errorf("seed completed: unknown task %q", name)
		}
		if e.state[name] != core.StatePending {
			return fmt.Errorf("seed completed: task %q is not pending (state %s)", name, e.state[name])
		}
		e.state[name] = core.StateCompleted
	}
	return nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

type workItem struct {
	name string
	task core.TaskDefinition
	env  map[string]string
}

type workResult struct {
	name   string
	result *NodeResult
	err    error
}

// Run executes the graph using up to concurrency workers, dispatched one
// topological level at a time: a level is only considered complete once
// every task in it reaches a terminal state.
func (e *Executor) Run(ctx context.Context, concurrency int) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}

	rec := trace.NewRecorder()
	skipCause := make(map[string]string)

	noteSkipped := func(cause string) error {
		downstream, err := downstreamReachable(e.Graph, cause)
		if err != nil {
			return err
		}
		for _, name := range downstream {
			if e.state[name] != core.StateSkipped {
				continue
			}
			prev, ok := skipCause[name]
			if !ok || cause < prev {
				skipCause[name] = cause
			}
		}
		return nil
	}

	levels := e.Graph.Levels()

	workCh := make(chan workItem, concurrency)
	doneCh := make(chan workResult, concurrency)
	cleanups := make(map[string]func())
	var cleanupsMu sync.Mutex

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				e.publish(events.TaskStarted, w.name, "")
				res, err := e.runOne(ctx, w)
				doneCh <- workResult{name: w.name, result: res, err: err}
			}
		}()
	}

	order := make([]string, 0, len(e.Graph.nodes))
	cacheKeys := make(map[string]string, len(e.Graph.nodes))
	stdout := make(map[string][]byte, len(e.Graph.nodes))
	stderr := make(map[string][]byte, len(e.Graph.nodes))
	exitCodes := make(map[string]int, len(e.Graph.nodes))
	pipelineFailed := false
	var haltingTask string

levelLoop:
	for _, names := range levels {
		if pipelineFailed {
			break
		}
		e.publish(events.PipelineLevelStarted, "", "")
		nextToStart := 0
		inFlight := 0

		for {
			e.mu.Lock()
			for inFlight < concurrency && nextToStart < len(names) {
				name := names[nextToStart]
				node := e.Graph.nodesByName[name]
				st := e.state[name]

				if core.TaskState.IsTerminal(st) {
					nextToStart++
					continue
				}
				if st != core.StatePending {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("unexpected non-pending state for %q: %s", name, st)
				}

				env, cleanup, err := e.stageEnv(node.Definition)
				if err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, fmt.Errorf("staging dependencies for %q: %w", name, err)
				}
				if cleanup != nil {
					cleanupsMu.Lock()
					cleanups[name] = cleanup
					cleanupsMu.Unlock()
				}

				if err := Transition(e.state, name, core.StatePending, core.StateRunning); err != nil {
					e.mu.Unlock()
					stopWorkers()
					return nil, err
				}
				order = append(order, name)
				inFlight++
				nextToStart++
				workCh <- workItem{name: name, task: node.Definition, env: env}
			}

			stageDone := nextToStart >= len(names) && inFlight == 0
			e.mu.Unlock()
			if stageDone {
				break
			}

			select {
			case <-ctx.Done():
				stopWorkers()
				return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
			case r := <-doneCh:
				e.runCleanup(cleanups, &cleanupsMu, r.name)

				if r.err != nil {
					stopWorkers()
					return nil, fmt.Errorf("executing %q: %w", r.name, r.err)
				}
				if r.result == nil {
					stopWorkers()
					return nil, fmt.Errorf("executing %q: nil result", r.name)
				}

				e.mu.Lock()
				if r.result.CacheKey != "" {
					cacheKeys[r.name] = r.result.CacheKey
				}
				stdout[r.name] = r.result.Stdout
				stderr[r.name] = r.result.Stderr
				exitCodes[r.name] = r.result.ExitCode

				if r.result.ExitCode == 0 {
					if r.result.FromCache {
						trace.SafeRecord(rec, trace.TraceEvent{Kind: trace.EventTaskCached, TaskID: r.name, Reason: "CacheHit"})
						trace.SafeRecord(rec, trace.TraceEvent{Kind: trace.EventTaskArtifactsRestored, TaskID: r.name, Reason: "CacheReplay"})
						e.publish(events.CacheHit, r.name, "")
						e.publish(events.TaskSkipped, r.name, "cache hit")
					} else {
						trace.SafeRecord(rec, trace.TraceEvent{Kind: trace.EventTaskExecuted, TaskID: r.name, Reason: "FreshWork"})
						if r.result.CacheKey != "" {
							e.publish(events.CacheMiss, r.name, "")
							e.publish(events.CacheWrite, r.name, "")
						}
					}
					if err := Transition(e.state, r.name, core.StateRunning, core.StateCompleted); err != nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, err
					}
					e.publish(events.TaskCompleted, r.name, "")
					obs := e.Observer
					traceSnap := rec.Snapshot()
					e.mu.Unlock()
					if obs != nil {
						if err := obs.OnTaskTerminal(e.Graph.nodesByName[r.name].Definition, r.result, traceSnap); err != nil {
							return nil, err
						}
					}
				} else {
					trace.SafeRecord(rec, trace.TraceEvent{Kind: trace.EventTaskFailed, TaskID: r.name})
					e.publish(events.TaskFailed, r.name, "non-zero exit")
					if err := FailAndPropagate(e.Graph, e.state, r.name); err != nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, err
					}
					if err := noteSkipped(r.name); err != nil {
						e.mu.Unlock()
						stopWorkers()
						return nil, err
					}
					if e.StopOnError {
						pipelineFailed = true
						haltingTask = r.name
					}
					e.mu.Unlock()
				}
				inFlight--
			}
		}

		e.publish(events.PipelineLevelCompleted, "", "")
		if pipelineFailed {
			break levelLoop
		}
	}

	stopWorkers()

	haltSkipped := make(map[string]bool)
	if pipelineFailed {
		e.mu.Lock()
		for _, n := range e.Graph.nodes {
			if e.state[n.Name] == core.StatePending {
				_ = Transition(e.state, n.Name, core.StatePending, core.StateSkipped)
				skipCause[n.Name] = haltingTask
				haltSkipped[n.Name] = true
			}
		}
		e.mu.Unlock()
	}

	final := e.StateSnapshot()
	skippedNames := make([]string, 0, len(skipCause))
	for name := range skipCause {
		skippedNames = append(skippedNames, name)
	}
	sort.Strings(skippedNames)
	for _, name := range skippedNames {
		reason := "UpstreamFailed"
		if haltSkipped[name] {
			reason = "PipelineHalted"
		}
		trace.SafeRecord(rec, trace.TraceEvent{Kind: trace.EventTaskSkipped, TaskID: name, Reason: reason, CauseTaskID: skipCause[name]})
	}

	execTrace := rec.Trace(e.Graph.Hash().String())
	traceBytes, _ := execTrace.CanonicalJSON()
	traceHash := trace.ComputeTraceHash(traceBytes)

	e.publish(events.PipelineCompleted, "", "")

	return &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     final,
		ExecutionOrder: order,
		CacheKeys:      cacheKeys,
		Stdout:         stdout,
		Stderr:         stderr,
		ExitCode:       exitCodes,
		TraceHash:      traceHash,
		TraceBytes:     traceBytes,
	}, nil
}

func (e *Executor) runOne(ctx context.Context, w workItem) (*NodeResult, error) {
	workingDir := w.task.WorkingDir
	if workingDir == "" {
		workingDir = e.WorkingDir
	}
	if res, cached, err := e.Runner.Probe(ctx, w.task, w.env, workingDir); err != nil {
		return nil, fmt.Errorf("probing cache for %q: %w", w.name, err)
	} else if cached {
		return res, nil
	}
	e.publish(events.CacheMiss, w.name, "")
	return e.Runner.Run(ctx, w.task, w.env, workingDir)
}

func (e *Executor) stageEnv(task core.TaskDefinition) (map[string]string, func(), error) {
	env := make(map[string]string, len(e.AmbientEnv))
	for k, v := range e.AmbientEnv {
		env[k] = v
	}
	if e.Stage == nil {
		return env, nil, nil
	}
	overlay, cleanup, err := e.Stage(task)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range overlay {
		env[k] = v
	}
	return env, cleanup, nil
}

func (e *Executor) runCleanup(cleanups map[string]func(), mu *sync.Mutex, name string) {
	mu.Lock()
	cleanup := cleanups[name]
	delete(cleanups, name)
	mu.Unlock()
	if cleanup != nil {
		cleanup()
	}
}

func (e *Executor) publish(kind events.Kind, taskName, reason string) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(events.Event{Kind: kind, TaskName: taskName, Reason: reason})
}
