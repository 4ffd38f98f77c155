package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

const (
	ExitSuccess           = 0
	ExitGraphFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// ExecutionMode selects whether a run participates in the Production Cache
// and in checkpoint-based resume.
type ExecutionMode string

const (
	ExecutionModeClean  ExecutionMode = "clean"
	ExecutionModeCached ExecutionMode = "cached"
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// CLIInvocation is the fully canonicalized, deterministic description of a
// run. All paths are normalized (Clean) and all relative paths are resolved
// relative to WorkDir.
//
// NOTE: WorkDir is required and must be absolute; this prevents any
// dependency on the process current working directory.
type CLIInvocation struct {
	WorkDir       string
	CacheDir      string
	RunID         string
	ExecutionMode ExecutionMode
	Concurrency   int
	Trace         TraceConfig
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical CLIInvocation.
//
// Determinism goals:
//   - Does not read env vars.
//   - Does not read/assume the process CWD.
//   - Requires WorkDir to be explicit and absolute.
func ParseInvocation(args []string) (CLIInvocation, error) {
	fs := flag.NewFlagSet("taskmesh", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var workDir string
	var cacheDir string
	var runID string
	var mode string
	var tracePath string
	var concurrency int

	fs.StringVar(&workDir, "workdir", "", "Absolute workspace root. Required.")
	fs.StringVar(&cacheDir, "cache-dir", "", "Cache base directory. Required.")
	fs.StringVar(&runID, "run-id", "", "Run identifier for checkpoint resume (optional; one is generated if empty).")
	fs.StringVar(&mode, "mode", string(ExecutionModeCached), "Execution mode: clean|cached")
	fs.StringVar(&tracePath, "trace", "", "Trace output path (optional).")
	fs.IntVar(&concurrency, "concurrency", 4, "Maximum number of tasks to run concurrently per level.")

	if err := fs.Parse(args); err != nil {
		return CLIInvocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return CLIInvocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	workDir = filepath.Clean(workDir)
	if workDir == "" || workDir == "." {
		return CLIInvocation{}, invalidInvocationf("--workdir is required")
	}
	if !filepath.IsAbs(workDir) {
		return CLIInvocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}

	if cacheDir == "" {
		return CLIInvocation{}, invalidInvocationf("--cache-dir is required")
	}
	resolvedCache, err := resolveUnderWorkDir(workDir, cacheDir)
	if err != nil {
		return CLIInvocation{}, err
	}

	parsedMode, err := parseExecutionMode(mode)
	if err != nil {
		return CLIInvocation{}, err
	}

	if concurrency <= 0 {
		return CLIInvocation{}, invalidInvocationf("--concurrency must be positive (got %d)", concurrency)
	}

	inv := CLIInvocation{
		WorkDir:       workDir,
		CacheDir:      resolvedCache,
		RunID:         strings.TrimSpace(runID),
		ExecutionMode: parsedMode,
		Concurrency:   concurrency,
	}

	if strings.TrimSpace(tracePath) != "" {
		resolvedTrace, err := resolveUnderWorkDir(workDir, tracePath)
		if err != nil {
			return CLIInvocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: resolvedTrace}
	}

	return inv, nil
}

func parseExecutionMode(raw string) (ExecutionMode, error) {
	n := strings.ToLower(strings.TrimSpace(raw))
	switch ExecutionMode(n) {
	case ExecutionModeClean, ExecutionModeCached:
		return ExecutionMode(n), nil
	case "":
		return "", invalidInvocationf("--mode is required")
	default:
		return "", invalidInvocationf("invalid --mode %q (expected clean|cached)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	// WorkDir is required to be absolute, so Join does not consult process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error. If
// the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
