// Package staging materializes a task's resolved dependencies into a
// private per-task directory before execution, using one of three
// strategies, and exposes the staged paths as CUENV_INPUT_* environment
// variables.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/core"
)

// Stager owns one per-task staging root under baseDir, destroyed when
// Close is called (mirroring drop-based cleanup).
type Stager struct {
	baseDir string
	root    string
	staged  []core.StagedDependency
}

// New creates a fresh staging root for one task execution under baseDir.
func New(baseDir string) (*Stager, error) {
	root := filepath.Join(baseDir, uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create root: %w", err)
	}
	return &Stager{baseDir: baseDir, root: root}, nil
}

// Root returns the staging root directory.
func (s *Stager) Root() string { return s.root }

// Stage materializes one resolved dependency's source path into the
// staging root under <sanitized-dep-name>/<basename>, using strategy
// (falling back to Symlink for Hardlink-on-directory).
func (s *Stager) Stage(depName, sourcePath string, strategy core.StagingStrategy) (core.StagedDependency, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return core.StagedDependency{}, fmt.Errorf("staging: stat %q: %w", sourcePath, err)
	}

	depDir := filepath.Join(s.root, sanitize(depName))
	if err := os.MkdirAll(depDir, 0o755); err != nil {
		return core.StagedDependency{}, fmt.Errorf("staging: create dep dir: %w", err)
	}
	target := filepath.Join(depDir, filepath.Base(sourcePath))

	effective := strategy
	if strategy == core.StrategyHardlink && info.IsDir() {
		effective = core.StrategySymlink
	}

	var materializeErr error
	switch effective {
	case core.StrategySymlink:
		materializeErr = os.Symlink(sourcePath, target)
	case core.StrategyCopy:
		if info.IsDir() {
			materializeErr = copyDir(sourcePath, target)
		} else {
			materializeErr = copyFile(sourcePath, target, info.Mode())
		}
	case core.StrategyHardlink:
		materializeErr = os.Link(sourcePath, target)
	}
	if materializeErr != nil {
		return core.StagedDependency{}, fmt.Errorf("staging: materialize %q: %w", sourcePath, materializeErr)
	}

	dep := core.StagedDependency{
		LogicalName: depName,
		SourcePath:  sourcePath,
		StagedPath:  target,
		Strategy:    effective,
	}
	s.staged = append(s.staged, dep)
	return dep, nil
}

// GetEnvironmentVariables returns CUENV_INPUT_<UPPER_SNAKE(dep_name)> ->
// staged_path for every dependency staged so far.
func (s *Stager) GetEnvironmentVariables() map[string]string {
	out := make(map[string]string, len(s.staged))
	for _, dep := range s.staged {
		key := "CUENV_INPUT_" + upperSnake(dep.LogicalName)
		out[key] = dep.StagedPath
	}
	return out
}

// Close removes the staging root and everything under it.
func (s *Stager) Close() error {
	return os.RemoveAll(s.root)
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func upperSnake(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}
