package dag

import (
	"context"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/internal/artifacts"
	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/cachekey"
	"github.com/taskmesh/taskmesh/internal/cas"
	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/execrunner"
)

// NodeResult is the deterministic outcome of executing (or replaying) a
// single node: it drives the terminal state the executor commits and the
// per-node record in GraphResult.
type NodeResult struct {
	CacheKey string

	Stdout   []byte
	Stderr   []byte
	ExitCode int

	FromCache         bool
	ArtifactsRestored int
}

// TaskRunner executes a single task, or restores it from cache.
//
// A non-nil error from either method indicates an infrastructure failure
// (e.g. inability to start a process); a non-zero ExitCode on a non-error
// result is a normal task failure the executor converts into Failed state.
type TaskRunner interface {
	// Probe checks whether the task can be satisfied from cache. If cached
	// is true, result is non-nil and its declared outputs have already been
	// re-materialized into workingDir.
	Probe(ctx context.Context, task core.TaskDefinition, env map[string]string, workingDir string) (result *NodeResult, cached bool, err error)

	Run(ctx context.Context, task core.TaskDefinition, env map[string]string, workingDir string) (*NodeResult, error)
}

// CacheAwareRunner is the production TaskRunner: it computes the
// deterministic cache key described by the scheduler's per-task algorithm,
// consults the Production Cache, and on miss executes the task and bundles
// its declared outputs back into the cache via the CAS.
type CacheAwareRunner struct {
	Cache    *cache.Cache
	CAS      *cas.Store
	Exec     *execrunner.Runner
	Bus      *events.Bus
	Resolver *core.InputResolver
}

func NewCacheAwareRunner(c *cache.Cache, store *cas.Store, exec *execrunner.Runner, bus *events.Bus, resolver *core.InputResolver) (*CacheAwareRunner, error) {
	if c == nil || store == nil || exec == nil || resolver == nil {
		return nil, fmt.Errorf("dag: nil dependency passed to CacheAwareRunner")
	}
	return &CacheAwareRunner{Cache: c, CAS: store, Exec: exec, Bus: bus, Resolver: resolver}, nil
}

// ComputeKey computes the task's deterministic cache key from its declared
// inputs' file hashes, env filter-selected vars, and output declarations.
// Per the scheduler's fail-open rule, a resolution error here means the
// caller should skip the cache for this task entirely rather than fail it.
func (r *CacheAwareRunner) ComputeKey(task core.TaskDefinition, env map[string]string) (string, error) {
	inputSet, err := r.Resolver.Resolve(task.Inputs)
	if err != nil {
		return "", fmt.Errorf("resolving inputs for %q: %w", task.Name, err)
	}

	filter := cachekey.EnvFilter{Include: task.Cache.EnvFilter}
	filteredEnv := cachekey.Filter(env, filter)

	spec := cachekey.Spec{
		TaskName: task.Name,
		Command:  task.Exec.Content(),
		Inputs:   inputSet.CacheKeyInputs(),
		Env:      filteredEnv,
		Outputs:  task.Outputs,
	}
	return cachekey.Compute(spec), nil
}

// Probe checks the Production Cache for key and, on hit, re-materializes
// the cached artifact manifest into workingDir via the CAS.
func (r *CacheAwareRunner) Probe(ctx context.Context, task core.TaskDefinition, env map[string]string, workingDir string) (*NodeResult, bool, error) {
	if !task.Cache.Enabled {
		return nil, false, nil
	}

	key, err := r.ComputeKey(task, env)
	if err != nil {
		r.publish(events.CacheMiss, task.Name, err.Error())
		return nil, false, nil // fail-open: skip cache on hash errors
	}

	manifest, ok, err := cache.Get[artifacts.Manifest](r.Cache, key)
	if err != nil || !ok {
		return nil, false, nil
	}

	restored, err := artifacts.Restore(r.CAS, manifest, workingDir)
	if err != nil {
		return nil, false, fmt.Errorf("restoring cached artifacts for %q: %w", task.Name, err)
	}

	return &NodeResult{
		CacheKey:          key,
		ExitCode:          0,
		FromCache:         true,
		ArtifactsRestored: restored,
	}, true, nil
}

// Run executes task's command/script under env in workingDir, harvests its
// declared outputs on success, and stores them in the cache keyed on the
// task's cache key (when cache participation is enabled).
func (r *CacheAwareRunner) Run(ctx context.Context, task core.TaskDefinition, env map[string]string, workingDir string) (*NodeResult, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	} else {
		runCtx, cancel = context.WithTimeout(ctx, execrunner.DefaultTimeout)
		defer cancel()
	}

	sink := execrunner.OutputSink{
		Stdout: func(chunk []byte) { r.publishOutput(task.Name, chunk, false) },
		Stderr: func(chunk []byte) { r.publishOutput(task.Name, chunk, true) },
	}

	res, err := r.Exec.Run(runCtx, task, workingDir, env, sink)
	if err != nil && res == nil {
		return nil, fmt.Errorf("running %q: %w", task.Name, err)
	}
	if err != nil {
		// Cancellation or timeout: the process was already killed by
		// execrunner. Report as a task failure, not an executor error, so
		// the DAG can propagate Failed/Skipped normally.
		return &NodeResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: -1}, nil
	}

	out := &NodeResult{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	if res.ExitCode != 0 {
		return out, nil
	}

	if !task.Cache.Enabled || len(task.Outputs) == 0 {
		return out, nil
	}

	key, keyErr := r.ComputeKey(task, env)
	if keyErr != nil {
		return out, nil // fail-open: task already succeeded, just skip the cache write
	}
	out.CacheKey = key

	harvester := artifacts.NewHarvester(workingDir)
	harvested, err := harvester.Harvest(task.Outputs)
	if err != nil {
		r.publish(events.CacheWrite, task.Name, err.Error())
		return out, nil // harvesting failure is non-fatal to a completed task
	}

	manifest, err := artifacts.Bundle(r.CAS, harvested)
	if err != nil {
		r.publish(events.CacheWrite, task.Name, err.Error())
		return out, nil
	}

	var ttl *time.Duration
	if err := cache.Put(r.Cache, key, manifest, "artifacts.Manifest", ttl); err != nil {
		r.publish(events.CacheWrite, task.Name, err.Error())
	}

	return out, nil
}

func (r *CacheAwareRunner) publish(kind events.Kind, taskName, errMsg string) {
	if r.Bus == nil {
		return
	}
	r.Bus.Publish(events.Event{Kind: kind, TaskName: taskName, Error: errMsg})
}

func (r *CacheAwareRunner) publishOutput(taskName string, chunk []byte, isErr bool) {
	if r.Bus == nil {
		return
	}
	kind := events.TaskOutput
	if isErr {
		kind = events.TaskError
	}
	r.Bus.Publish(events.Event{Kind: kind, TaskName: taskName, Output: string(chunk)})
}
