// Package builder implements the pure transform from a package's raw
// TaskConfig map into resolved TaskDefinitions: validation, dependency
// resolution, cycle detection, environment expansion, working-directory
// canonicalization, and security-path validation, in that fixed order.
package builder

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/internal/cacheerr"
	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/taskref"
)

// allowedShells bounds the shell allowlist step 1 enforces.
var allowedShells = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "fish": true, "pwsh": true,
}

var varExpandRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Warning is a non-fatal observation surfaced during a build (e.g. an
// undefined ${VAR} reference), collected rather than raised so the caller
// can publish it as an event.
type Warning struct {
	Task    string
	Message string
}

// Options configures ambient, workspace-wide inputs to a build that are not
// part of any individual TaskConfig.
type Options struct {
	WorkspaceRoot string
	AmbientEnv    map[string]string
	// Package names the package whose configs are being built. Build does
	// not read it: local deps keep an empty Package, which the Registry
	// resolves to the owning package.
	Package string
}

// cycleCache memoizes DAG validation results keyed on a canonical
// representation of the edge list, so repeated builds over an unchanged
// dependency graph skip the DFS.
type cycleCache struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newCycleCache() *cycleCache { return &cycleCache{seen: make(map[string]bool)} }

// dagCache is shared by every Build call in the process.
var dagCache = newCycleCache()

// Build runs the seven-step pipeline over configs, producing resolved
// TaskDefinitions keyed by task name (not yet package-qualified; the
// Registry applies the package qualifier on registration).
func Build(configs map[string]core.TaskConfig, opts Options) (map[string]core.TaskDefinition, []Warning, error) {
	if err := validateConfigs(configs); err != nil {
		return nil, nil, err
	}

	defs := convert(configs)

	if err := resolveDependencies(defs, configs, opts); err != nil {
		return nil, nil, err
	}

	if err := validateDAG(defs, dagCache); err != nil {
		return nil, nil, err
	}

	var warnings []Warning
	expandEnvironment(defs, opts.AmbientEnv, &warnings)

	if err := resolveWorkingDirs(defs, opts.WorkspaceRoot); err != nil {
		return nil, nil, err
	}

	if err := validateSecurity(defs, opts.WorkspaceRoot); err != nil {
		return nil, nil, err
	}

	return defs, warnings, nil
}

// step 1
func validateConfigs(configs map[string]core.TaskConfig) error {
	for name, cfg := range configs {
		hasCommand := cfg.Command != ""
		hasScript := cfg.Script != ""
		if hasCommand == hasScript {
			return fmt.Errorf("builder: task %q must set exactly one of command or script", name)
		}
		if cfg.Shell != "" && !allowedShells[cfg.Shell] {
			return fmt.Errorf("builder: task %q: shell %q is not in the allowlist", name, cfg.Shell)
		}
		if cfg.TimeoutSecs < 0 {
			return fmt.Errorf("builder: task %q: timeout must not be negative", name)
		}
		seen := make(map[string]bool, len(cfg.DependsOn))
		for _, dep := range cfg.DependsOn {
			if seen[dep] {
				return fmt.Errorf("builder: task %q: duplicate dependency %q", name, dep)
			}
			seen[dep] = true
		}
	}
	return nil
}

// step 2
func convert(configs map[string]core.TaskConfig) map[string]core.TaskDefinition {
	defs := make(map[string]core.TaskDefinition, len(configs))
	for name, cfg := range configs {
		def := core.TaskDefinition{
			Name:        name,
			Description: cfg.Description,
			Exec:        core.ExecMode{Command: cfg.Command, Script: cfg.Script},
			WorkingDir:  cfg.WorkingDir,
			Shell:       cfg.Shell,
			Inputs:      cfg.Inputs,
			Outputs:     cfg.Outputs,
			Security:    cfg.Security,
			Cache: core.CacheSettings{
				Enabled:   cfg.CacheConfig.Enabled,
				Key:       cfg.CacheConfig.Key,
				EnvFilter: cfg.CacheConfig.EnvFilter,
			},
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
		}
		defs[name] = def
	}
	return defs
}

// step 3
func resolveDependencies(defs map[string]core.TaskDefinition, configs map[string]core.TaskConfig, opts Options) error {
	for name, cfg := range configs {
		def := defs[name]
		resolved := make([]core.ResolvedDependency, 0, len(cfg.DependsOn))
		for _, raw := range cfg.DependsOn {
			ref, err := taskref.Parse(raw)
			if err != nil {
				return fmt.Errorf("builder: task %q: %w", name, err)
			}
			switch ref.Kind {
			case taskref.Local:
				if _, ok := configs[ref.Task]; !ok {
					return &cacheerr.TaskMissingDependencyError{Task: name, Dependency: ref.Task}
				}
				resolved = append(resolved, core.ResolvedDependency{Name: ref.Task})
			case taskref.Package:
				resolved = append(resolved, core.ResolvedDependency{Name: ref.Task, Package: ref.Package})
			case taskref.PackageOutput:
				resolved = append(resolved, core.ResolvedDependency{Name: ref.Task, Package: ref.Package, OutputPath: ref.OutputPath})
			}
		}
		def.Deps = resolved
		defs[name] = def
	}
	return nil
}

// step 4
func validateDAG(defs map[string]core.TaskDefinition, cc *cycleCache) error {
	key := canonicalEdgeKey(defs)
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if ok, cached := cc.seen[key]; cached {
		if !ok {
			return &cacheerr.CircularDependencyError{Cycle: []string{"(cached)"}}
		}
		return nil
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(defs))
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		path = append(path, name)
		def := defs[name]
		for _, dep := range def.Deps {
			if dep.Package != "" {
				continue // cross-package deps are resolved/cycle-checked in the Registry, not here
			}
			switch color[dep.Name] {
			case white:
				if err := visit(dep.Name); err != nil {
					return err
				}
			case gray:
				cycle := append(append([]string{}, path...), dep.Name)
				cc.seen[key] = false
				return &cacheerr.CircularDependencyError{Cycle: cycle}
			}
		}
		path = path[:len(path)-1]
		color[name] = black
		return nil
	}

	names := sortedKeys(defs)
	for _, name := range names {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	cc.seen[key] = true
	return nil
}

func canonicalEdgeKey(defs map[string]core.TaskDefinition) string {
	names := sortedKeys(defs)
	var b strings.Builder
	for _, name := range names {
		def := defs[name]
		edges := make([]string, 0, len(def.Deps))
		for _, dep := range def.Deps {
			edges = append(edges, dep.Qualified())
		}
		sort.Strings(edges)
		b.WriteString(name)
		b.WriteByte('>')
		b.WriteString(strings.Join(edges, ","))
		b.WriteByte(';')
	}
	return b.String()
}

func sortedKeys(defs map[string]core.TaskDefinition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// step 5
func expandEnvironment(defs map[string]core.TaskDefinition, ambient map[string]string, warnings *[]Warning) {
	for name, def := range defs {
		def.Exec.Command = expandVars(name, def.Exec.Command, ambient, warnings)
		def.Exec.Script = expandVars(name, def.Exec.Script, ambient, warnings)
		def.WorkingDir = expandVars(name, def.WorkingDir, ambient, warnings)
		defs[name] = def
	}
}

func expandVars(taskName, s string, ambient map[string]string, warnings *[]Warning) string {
	if s == "" {
		return s
	}
	return varExpandRe.ReplaceAllStringFunc(s, func(match string) string {
		name := varExpandRe.FindStringSubmatch(match)[1]
		if v, ok := ambient[name]; ok {
			return v
		}
		*warnings = append(*warnings, Warning{
			Task:    taskName,
			Message: fmt.Sprintf("undefined environment variable %q expands to empty", name),
		})
		return ""
	})
}

// step 6
func resolveWorkingDirs(defs map[string]core.TaskDefinition, workspaceRoot string) error {
	for name, def := range defs {
		dir := def.WorkingDir
		if dir == "" {
			dir = workspaceRoot
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(workspaceRoot, dir)
		}
		canon, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return fmt.Errorf("builder: task %q: working dir %q: %w", name, dir, err)
		}
		info, err := os.Stat(canon)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("builder: task %q: working dir %q does not exist", name, dir)
		}
		def.WorkingDir = canon
		defs[name] = def
	}
	return nil
}

// step 7
func validateSecurity(defs map[string]core.TaskDefinition, workspaceRoot string) error {
	root, err := filepath.EvalSymlinks(workspaceRoot)
	if err != nil {
		root = workspaceRoot
	}
	for name, def := range defs {
		if def.Security == nil {
			continue
		}
		groups := [][]string{def.Security.ReadOnlyPaths, def.Security.ReadWritePaths, def.Security.DenyPaths}
		for _, group := range groups {
			for i, p := range group {
				abs := p
				if !filepath.IsAbs(abs) {
					abs = filepath.Join(workspaceRoot, abs)
				}
				abs = filepath.Clean(abs)
				if canon, err := filepath.EvalSymlinks(abs); err == nil {
					abs = canon
				}
				if !underRoot(root, abs) {
					return fmt.Errorf("builder: task %q: security path %q escapes workspace root", name, p)
				}
				group[i] = abs
			}
		}
		for _, host := range def.Security.AllowedHosts {
			if host == "" || strings.ContainsAny(host, " \t") {
				return fmt.Errorf("builder: task %q: invalid allowed_hosts entry %q", name, host)
			}
		}
	}
	return nil
}

func underRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
