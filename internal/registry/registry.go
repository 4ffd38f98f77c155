// Package registry indexes every task definition discovered across all
// packages in a workspace, keyed by its fully-qualified name, and resolves
// cross-package output references.
package registry

import (
	"fmt"
	"sort"

	"github.com/taskmesh/taskmesh/internal/core"
)

// RegisteredTask is one package-qualified task and the raw config it was
// built from.
type RegisteredTask struct {
	FullName    string // "{package}:{task}"
	Package     string
	Task        string
	PackagePath string // absolute directory of the owning package
	Definition  core.TaskDefinition
}

// Registry is the full-workspace index of RegisteredTask, keyed by
// FullName.
type Registry struct {
	tasks map[string]*RegisteredTask
}

func New() *Registry {
	return &Registry{tasks: make(map[string]*RegisteredTask)}
}

// Register adds t to the registry, keyed by its qualified name. Returns an
// error if the name is already taken (two packages cannot both declare the
// same qualified task).
func (r *Registry) Register(t RegisteredTask) error {
	t.FullName = fmt.Sprintf("%s:%s", t.Package, t.Task)
	if _, exists := r.tasks[t.FullName]; exists {
		return fmt.Errorf("registry: duplicate task %q", t.FullName)
	}
	r.tasks[t.FullName] = &t
	return nil
}

// Lookup finds a task by its fully-qualified "{package}:{task}" name.
func (r *Registry) Lookup(fullName string) (*RegisteredTask, bool) {
	t, ok := r.tasks[fullName]
	return t, ok
}

// ByPackage returns every task registered under pkg, sorted by task name.
func (r *Registry) ByPackage(pkg string) []*RegisteredTask {
	var out []*RegisteredTask
	for _, t := range r.tasks {
		if t.Package == pkg {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// All returns every registered task, sorted by full name.
func (r *Registry) All() []*RegisteredTask {
	out := make([]*RegisteredTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out
}

// ResolveTaskOutput checks that fullName declares an output named
// outputName and returns that output entry as declared, for cross-package
// dependency staging. The value is not joined to the task's working
// directory or PackagePath.
func (r *Registry) ResolveTaskOutput(fullName, outputName string) (string, error) {
	t, ok := r.tasks[fullName]
	if !ok {
		return "", fmt.Errorf("registry: unknown task %q", fullName)
	}
	for _, out := range t.Definition.Outputs {
		if out == outputName {
			return out, nil
		}
	}
	return "", fmt.Errorf("registry: task %q declares no output %q", fullName, outputName)
}

// ValidateAllDependencies checks that every dependency of every registered
// task resolves to a registered task, returning every dangling reference
// found (not just the first).
func (r *Registry) ValidateAllDependencies() error {
	var missing []string
	for _, t := range r.All() {
		for _, dep := range t.Definition.Deps {
			pkg := dep.Package
			if pkg == "" {
				pkg = t.Package
			}
			qualified := fmt.Sprintf("%s:%s", pkg, dep.Name)
			if _, ok := r.tasks[qualified]; !ok {
				missing = append(missing, fmt.Sprintf("%s -> %s", t.FullName, qualified))
				continue
			}
			if dep.OutputPath != "" {
				if _, err := r.ResolveTaskOutput(qualified, dep.OutputPath); err != nil {
					missing = append(missing, fmt.Sprintf("%s -> %s#%s", t.FullName, qualified, dep.OutputPath))
				}
			}
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("registry: unresolved dependencies: %v", missing)
	}
	return nil
}
