package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/taskmesh/taskmesh/internal/builder"
	"github.com/taskmesh/taskmesh/internal/core"
	"github.com/taskmesh/taskmesh/internal/dag"
	"github.com/taskmesh/taskmesh/internal/discovery"
	"github.com/taskmesh/taskmesh/internal/hooks"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// packageManifest is the decoded shape of one package boundary file. CUE is
// a JSON superset, so a manifest authored in CUE that sticks to plain
// key/value task declarations decodes with the standard JSON decoder; a
// dedicated CUE evaluator is out of scope (no CUE library is wired in).
type packageManifest struct {
	Tasks        map[string]core.TaskConfig `json:"tasks"`
	PreloadHooks []hooks.Hook               `json:"preload_hooks"`
}

// LoadWorkspace discovers every package under the module root containing
// workDir, runs each package's declared preload hooks, builds each
// package's tasks with the hooks' environment overlay folded into the
// ambient environment, and returns the resulting whole-workspace Registry
// with all cross-package dependencies validated.
func LoadWorkspace(ctx context.Context, workDir, cacheDir string, ambientEnv map[string]string) (*registry.Registry, error) {
	moduleRoot, err := discovery.FindModuleRoot(workDir, discovery.DefaultMaxDepth)
	if err != nil {
		return nil, fmt.Errorf("locate module root: %w", err)
	}

	pkgs, err := discovery.Discover(moduleRoot, discovery.DefaultMaxDepth, true)
	if err != nil {
		return nil, fmt.Errorf("discover packages: %w", err)
	}

	supervisor := hooks.New(cacheDir)

	reg := registry.New()
	for _, pkg := range pkgs {
		manifest, err := decodeManifest(pkg.Content)
		if err != nil {
			return nil, fmt.Errorf("package %q: decode manifest: %w", pkg.Name, err)
		}
		if len(manifest.Tasks) == 0 {
			continue
		}

		pkgEnv := ambientEnv
		if len(manifest.PreloadHooks) > 0 {
			hookResult, err := supervisor.Run(ctx, manifest.PreloadHooks)
			if err != nil {
				return nil, fmt.Errorf("package %q: preload hooks: %w", pkg.Name, err)
			}
			pkgEnv = mergeEnv(ambientEnv, hookResult.Env)
		}

		defs, warnings, err := builder.Build(manifest.Tasks, builder.Options{
			WorkspaceRoot: pkg.Dir,
			AmbientEnv:    pkgEnv,
			Package:       pkg.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("package %q: build tasks: %w", pkg.Name, err)
		}
		_ = warnings // dropped: not returned, logged or published

		for name, def := range defs {
			if err := reg.Register(registry.RegisteredTask{
				Package:     pkg.Name,
				Task:        name,
				PackagePath: pkg.Dir,
				Definition:  def,
			}); err != nil {
				return nil, err
			}
		}
	}

	if err := reg.ValidateAllDependencies(); err != nil {
		return nil, err
	}
	return reg, nil
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func decodeManifest(content []byte) (packageManifest, error) {
	var m packageManifest
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return packageManifest{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return packageManifest{}, fmt.Errorf("trailing content after manifest")
	}
	return m, nil
}

// BuildGraph qualifies every registered task by its "{package}:{task}" full
// name and assembles the cross-package TaskGraph from the registry's
// resolved dependencies.
func BuildGraph(reg *registry.Registry) (*dag.TaskGraph, error) {
	all := reg.All()

	defs := make([]core.TaskDefinition, 0, len(all))
	var edges []dag.Edge
	for _, t := range all {
		def := t.Definition
		def.Name = t.FullName
		defs = append(defs, def)

		for _, depDep := range t.Definition.Deps {
			pkg := depDep.Package
			if pkg == "" {
				pkg = t.Package
			}
			from := fmt.Sprintf("%s:%s", pkg, depDep.Name)
			edges = append(edges, dag.Edge{From: from, To: t.FullName})
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})

	return dag.NewTaskGraph(defs, edges)
}
