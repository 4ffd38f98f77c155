package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/taskmesh/taskmesh/internal/cache"
	"github.com/taskmesh/taskmesh/internal/cas"
	"github.com/taskmesh/taskmesh/internal/checkpoint"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/execrunner"
	"github.com/taskmesh/taskmesh/internal/staging"
	"github.com/taskmesh/taskmesh/internal/trace"
)

// CLIResult is the outcome of one invocation: a semantic exit code plus the
// underlying graph result, when execution reached the engine at all.
type CLIResult struct {
	ExitCode    int
	RunID       string
	GraphResult *dag.GraphResult
}

// Execute maps a canonical CLIInvocation to engine execution.
//
// Responsibilities:
//   - Discover and build the workspace into a cross-package TaskGraph.
//   - Open the Production Cache/CAS unless ExecutionMode is clean.
//   - Resume: with mode cached and a matching previous checkpoint directory
//     for RunID, already-Completed tasks are seeded so they are not
//     re-executed.
//   - Run the graph, persisting one checkpoint per terminal task.
//   - Emit a deterministic trace file when requested.
//   - Translate engine outcomes to semantic exit codes.
func Execute(ctx context.Context, inv CLIInvocation, log *logrus.Logger) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if log == nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
	}

	runID := inv.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	res.RunID = runID

	bus := events.NewBus(256)
	defer bus.Close()

	reg, err := LoadWorkspace(ctx, inv.WorkDir, inv.CacheDir, nil)
	if err != nil {
		res.ExitCode = ExitGraphFailure
		return res, fmt.Errorf("load workspace: %w", err)
	}
	graphObj, err := BuildGraph(reg)
	if err != nil {
		res.ExitCode = ExitGraphFailure
		return res, fmt.Errorf("build graph: %w", err)
	}

	cpStore, err := checkpoint.NewStore(inv.CacheDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	if err := cpStore.SaveRun(checkpoint.Run{RunID: runID, GraphHash: graphObj.Hash().String(), StartedAt: time.Now().UTC()}); err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("record run: %w", err)
	}

	runner, closeRunner, err := newTaskRunner(inv, bus, log)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	defer closeRunner()

	exec, err := dag.NewExecutor(graphObj, runner)
	if err != nil {
		res.ExitCode = ExitInternalError
		return res, err
	}
	exec.Bus = bus
	exec.Observer = checkpoint.NewRecorder(cpStore, runID)

	if inv.RunID != "" && inv.ExecutionMode == ExecutionModeCached {
		prior, err := cpStore.LoadAllCheckpoints(runID)
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, fmt.Errorf("load prior checkpoints: %w", err)
		}
		completed := make([]string, 0, len(prior))
		for name, cp := range prior {
			if cp.State == core.StateCompleted {
				completed = append(completed, name)
			}
		}
		sort.Strings(completed)
		if err := exec.SeedCompleted(completed); err != nil {
			res.ExitCode = ExitInternalError
			return res, fmt.Errorf("seed resumed tasks: %w", err)
		}
		if len(completed) > 0 {
			log.WithFields(logrus.Fields{"run_id": runID, "count": len(completed)}).Info("resuming from prior checkpoints")
		}
	}

	stager, err := staging.New(filepath.Join(inv.CacheDir, "staging", runID))
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	defer stager.Close()
	exec.Stage = func(task core.TaskDefinition) (map[string]string, func(), error) {
		// task.Name is the full "{package}:{task}" name, and package itself
		// may be colon-joined for nested packages (discovery's own naming
		// convention), so the owning package is everything before the last
		// colon, not the first.
		lastColon := strings.LastIndex(task.Name, ":")
		owningPkg := ""
		if lastColon >= 0 {
			owningPkg = task.Name[:lastColon]
		}
		for _, dep := range task.Deps {
			depPkg := dep.Package
			if depPkg == "" {
				depPkg = owningPkg
			}
			qualified := fmt.Sprintf("%s:%s", depPkg, dep.Name)
			regTask, ok := reg.Lookup(qualified)
			if !ok {
				return nil, nil, fmt.Errorf("staging: unresolved dependency %q", qualified)
			}

			if dep.OutputPath != "" {
				out, err := reg.ResolveTaskOutput(qualified, dep.OutputPath)
				if err != nil {
					return nil, nil, err
				}
				sourcePath := filepath.Join(regTask.Definition.WorkingDir, out)
				logicalName := qualified + "#" + dep.OutputPath
				if _, err := stager.Stage(logicalName, sourcePath, core.StrategySymlink); err != nil {
					return nil, nil, err
				}
				continue
			}

			for _, out := range regTask.Definition.Outputs {
				sourcePath := filepath.Join(regTask.Definition.WorkingDir, out)
				if _, err := stager.Stage(qualified, sourcePath, core.StrategySymlink); err != nil {
					return nil, nil, err
				}
			}
		}
		return stager.GetEnvironmentVariables(), nil, nil
	}

	var traceWriter *traceFileWriter
	if inv.Trace.Enabled {
		traceWriter, err = newTraceWriter(inv.Trace.Path, graphObj.Hash().String())
		if err != nil {
			res.ExitCode = ExitConfigError
			return res, err
		}
	}
	defer func() {
		if traceWriter != nil {
			_ = traceWriter.Finalize(res.GraphResult)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			res.GraphResult = nil
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	gr, err := exec.Run(ctx, inv.Concurrency)
	if err != nil {
		res.ExitCode = ExitInternalError
		return res, err
	}
	res.GraphResult = gr
	res.ExitCode = translateGraphResultToExitCode(gr)
	return res, nil
}

// newTaskRunner builds the TaskRunner appropriate for inv.ExecutionMode: a
// CacheAwareRunner backed by the Production Cache and CAS in cached mode, or
// a cache-bypassing runner in clean mode. The returned close func releases
// any opened stores.
func newTaskRunner(inv CLIInvocation, bus *events.Bus, log *logrus.Logger) (dag.TaskRunner, func(), error) {
	exec := execrunner.New()

	if inv.ExecutionMode == ExecutionModeClean {
		return noCacheRunner{exec: exec}, func() {}, nil
	}

	cfg := config.CacheConfig{
		Enabled:         true,
		Mode:            config.ModeReadWrite,
		BaseDir:         filepath.Join(inv.CacheDir, "cache"),
		MaxMemorySize:   64 << 20,
		MaxDiskSize:     1 << 30,
		InlineThreshold: 4096,
		EvictionPolicy:  config.EvictionLRU,
	}
	c, err := cache.Open(cfg, bus, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}

	store, err := cas.Open(filepath.Join(inv.CacheDir, "cas"), cfg.InlineThreshold)
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("open CAS: %w", err)
	}

	resolver := core.NewInputResolver(inv.WorkDir)
	runner, err := dag.NewCacheAwareRunner(c, store, exec, bus, resolver)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return runner, func() { _ = c.Close() }, nil
}

// noCacheRunner executes every task fresh, never consulting or populating
// the Production Cache, for ExecutionModeClean.
type noCacheRunner struct {
	exec *execrunner.Runner
}

func (r noCacheRunner) Probe(context.Context, core.TaskDefinition, map[string]string, string) (*dag.NodeResult, bool, error) {
	return nil, false, nil
}

func (r noCacheRunner) Run(ctx context.Context, task core.TaskDefinition, env map[string]string, workingDir string) (*dag.NodeResult, error) {
	result, err := r.exec.Run(ctx, task, workingDir, env, execrunner.OutputSink{})
	if err != nil {
		return nil, err
	}
	return &dag.NodeResult{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, nil
}

func translateGraphResultToExitCode(gr *dag.GraphResult) int {
	if gr == nil {
		return ExitInternalError
	}
	for _, st := range gr.FinalState {
		if st == core.StateFailed {
			return ExitGraphFailure
		}
	}
	return ExitSuccess
}

type traceFileWriter struct {
	path      string
	graphHash string
}

func newTraceWriter(path, graphHash string) (*traceFileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	w := &traceFileWriter{path: path, graphHash: graphHash}
	return w, w.writeEmpty()
}

func (w *traceFileWriter) writeEmpty() error {
	return w.writeBytesFromTrace(trace.ExecutionTrace{GraphHash: w.graphHash, Events: nil})
}

func (w *traceFileWriter) writeBytesFromTrace(t trace.ExecutionTrace) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return writeFileAtomic(w.path, b, 0o644)
}

// Finalize writes gr's canonical trace bytes, or an empty trace for this
// graph if gr carries none (e.g. the run never reached the engine).
func (w *traceFileWriter) Finalize(gr *dag.GraphResult) error {
	if gr != nil && len(gr.TraceBytes) > 0 {
		return writeFileAtomic(w.path, gr.TraceBytes, 0o644)
	}
	return w.writeEmpty()
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
