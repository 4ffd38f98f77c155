package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/taskmesh/taskmesh/internal/core"
)

func writeModuleRoot(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "cue.mod"), 0o755); err != nil {
		t.Fatalf("mkdir cue.mod: %v", err)
	}
}

func writePackageManifest(t *testing.T, dir string, tasks map[string]core.TaskConfig) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir package dir: %v", err)
	}
	b, err := json.Marshal(map[string]any{"tasks": tasks})
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "env.cue"), b, 0o644); err != nil {
		t.Fatalf("write env.cue: %v", err)
	}
}

func TestLoadWorkspace_SingleRootPackage(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)
	writePackageManifest(t, workDir, map[string]core.TaskConfig{
		"build": {Command: "true"},
	})

	reg, err := LoadWorkspace(context.Background(), workDir, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	task, ok := reg.Lookup("root:build")
	if !ok {
		t.Fatalf("expected root:build registered, got %#v", reg.All())
	}
	if task.Definition.Exec.Command != "true" {
		t.Fatalf("unexpected command: %q", task.Definition.Exec.Command)
	}
}

func TestLoadWorkspace_CrossPackageDependency(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)
	writePackageManifest(t, filepath.Join(workDir, "lib"), map[string]core.TaskConfig{
		"compile": {Command: "true", Outputs: []string{"out.bin"}},
	})
	writePackageManifest(t, filepath.Join(workDir, "app"), map[string]core.TaskConfig{
		"build": {Command: "true", DependsOn: []string{"lib:compile"}},
	})

	reg, err := LoadWorkspace(context.Background(), workDir, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	graph, err := BuildGraph(reg)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	if got := len(graph.Nodes()); got != 2 {
		t.Fatalf("expected 2 nodes, got %d", got)
	}
}

func TestLoadWorkspace_MissingModuleRoot(t *testing.T) {
	workDir := t.TempDir()
	if _, err := LoadWorkspace(context.Background(), workDir, t.TempDir(), nil); err == nil {
		t.Fatalf("expected error when no cue.mod is present")
	}
}

func TestExecute_CleanMode_RunsTaskAndReportsSuccess(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)
	outPath := filepath.Join(workDir, "out.txt")
	writePackageManifest(t, workDir, map[string]core.TaskConfig{
		"build": {Command: "echo done > " + outPath},
	})

	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      filepath.Join(workDir, "cache"),
		ExecutionMode: ExecutionModeClean,
		Concurrency:   2,
	}

	res, err := Execute(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("expected exit %d, got %d", ExitSuccess, res.ExitCode)
	}
	if res.RunID == "" {
		t.Fatalf("expected a generated run id")
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("expected task side effect to exist: %v", err)
	}
}

func TestExecute_FailingTask_ExitCodeGraphFailure(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)
	writePackageManifest(t, workDir, map[string]core.TaskConfig{
		"build": {Command: "exit 7"},
	})

	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      filepath.Join(workDir, "cache"),
		ExecutionMode: ExecutionModeClean,
		Concurrency:   2,
	}

	res, err := Execute(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != ExitGraphFailure {
		t.Fatalf("expected exit %d, got %d", ExitGraphFailure, res.ExitCode)
	}
}

func TestExecute_Resume_SkipsPreviouslyCompletedTask(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)
	markerPath := filepath.Join(workDir, "marker.txt")
	writePackageManifest(t, workDir, map[string]core.TaskConfig{
		"build": {Command: "echo run >> " + markerPath},
	})

	cacheDir := filepath.Join(workDir, "cache")
	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      cacheDir,
		RunID:         "fixed-run-id",
		ExecutionMode: ExecutionModeCached,
		Concurrency:   2,
	}

	if _, err := Execute(context.Background(), inv, nil); err != nil {
		t.Fatalf("first run: unexpected error: %v", err)
	}
	firstBytes, err := os.ReadFile(markerPath)
	if err != nil {
		t.Fatalf("read marker after first run: %v", err)
	}

	if _, err := Execute(context.Background(), inv, nil); err != nil {
		t.Fatalf("second run: unexpected error: %v", err)
	}
	secondBytes, err := os.ReadFile(markerPath)
	if err != nil {
		t.Fatalf("read marker after second run: %v", err)
	}
	if string(firstBytes) != string(secondBytes) {
		t.Fatalf("expected resumed run to skip re-execution, marker grew from %q to %q", firstBytes, secondBytes)
	}
}

func TestExecute_Trace_WritesDeterministicFile(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)
	writePackageManifest(t, workDir, map[string]core.TaskConfig{
		"build": {Command: "true"},
	})

	tracePath := filepath.Join(workDir, "trace.json")
	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      filepath.Join(workDir, "cache"),
		ExecutionMode: ExecutionModeClean,
		Concurrency:   2,
		Trace:         TraceConfig{Enabled: true, Path: tracePath},
	}

	if _, err := Execute(context.Background(), inv, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("expected trace file: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("expected valid JSON trace: %v", err)
	}
}

// This is the flagship cross-package scenario: a nested package
// ("projects:frontend") produces a declared output, and a task in another
// nested package ("tools:ci") selects that one output by name via
// "#output", expecting it staged under a qualified env var key.
func TestExecute_NestedPackageOutputSelector_StagesUnderQualifiedEnvVar(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)

	writePackageManifest(t, filepath.Join(workDir, "projects", "frontend"), map[string]core.TaskConfig{
		"build": {Command: "echo built-artifact > dist", Outputs: []string{"dist"}},
	})
	resultPath := filepath.Join(workDir, "result.txt")
	writePackageManifest(t, filepath.Join(workDir, "tools", "ci"), map[string]core.TaskConfig{
		"deploy": {
			Command:   "cat $CUENV_INPUT_PROJECTS_FRONTEND_BUILD_DIST > " + resultPath,
			DependsOn: []string{"projects:frontend:build#dist"},
		},
	})

	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      filepath.Join(workDir, "cache"),
		ExecutionMode: ExecutionModeClean,
		Concurrency:   2,
	}

	res, err := Execute(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("expected exit %d, got %d: %+v", ExitSuccess, res.ExitCode, res.GraphResult)
	}

	got, err := os.ReadFile(resultPath)
	if err != nil {
		t.Fatalf("expected deploy to read the staged output: %v", err)
	}
	if strings.TrimSpace(string(got)) != "built-artifact" {
		t.Fatalf("expected staged dist content, got %q", got)
	}
}

// A task in a nested (multi-segment) package depending on another task in
// the *same* nested package, by bare name, exercises the owning-package
// derivation that must split on the last colon of the full task name, not
// the first.
func TestExecute_NestedPackageLocalDependency_Resolves(t *testing.T) {
	workDir := t.TempDir()
	writeModuleRoot(t, workDir)

	markerPath := filepath.Join(workDir, "built.txt")
	writePackageManifest(t, filepath.Join(workDir, "projects", "frontend"), map[string]core.TaskConfig{
		"compile": {Command: "true"},
		"build":   {Command: "echo done > " + markerPath, DependsOn: []string{"compile"}},
	})

	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      filepath.Join(workDir, "cache"),
		ExecutionMode: ExecutionModeClean,
		Concurrency:   2,
	}

	res, err := Execute(context.Background(), inv, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != ExitSuccess {
		t.Fatalf("expected exit %d, got %d: %+v", ExitSuccess, res.ExitCode, res.GraphResult)
	}
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatalf("expected build to run after resolving its local dependency: %v", err)
	}
}
