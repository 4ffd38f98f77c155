// Package discovery walks a workspace tree to find package boundary files
// and assigns each one a colon-joined package name relative to the module
// root.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BoundaryFile is the name of the file marking a package boundary.
const BoundaryFile = "env.cue"

// ModuleFile is the name of the file marking the module root.
const ModuleFile = "cue.mod"

// DefaultMaxDepth bounds the upward module-root search and the downward
// package walk, guarding against symlink cycles or runaway filesystems.
const DefaultMaxDepth = 32

// ErrModuleRootNotFound is returned when no module root can be located
// within MaxDepth steps of startDir.
var ErrModuleRootNotFound = errors.New("discovery: module root not found")

// DiscoveredPackage is one env.cue file found under the module root, with
// its computed package name and raw CUE source (when parse is requested by
// the caller).
type DiscoveredPackage struct {
	Name    string // colon-joined path from module root; "root" at the root
	Dir     string // absolute directory containing the boundary file
	Path    string // absolute path to the boundary file
	Content []byte // populated only when Discover is called with parse=true
}

// FindModuleRoot walks upward from startDir looking for a directory
// containing ModuleFile, stopping after maxDepth steps or at the
// filesystem root, whichever comes first.
func FindModuleRoot(startDir string, maxDepth int) (string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("discovery: resolve start dir: %w", err)
	}
	for i := 0; i < maxDepth; i++ {
		if _, err := os.Stat(filepath.Join(dir, ModuleFile)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", ErrModuleRootNotFound
}

// Discover walks the module root downward, collecting every BoundaryFile
// found within maxDepth levels. Package names are the '/'-to-':' translated
// path from the module root; the boundary file sitting at the module root
// itself is named "root". When parse is true, each file's raw content is
// read into DiscoveredPackage.Content (parsing the CUE itself is left to
// the caller, which owns the schema).
func Discover(moduleRoot string, maxDepth int, parse bool) ([]DiscoveredPackage, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	root, err := filepath.Abs(moduleRoot)
	if err != nil {
		return nil, fmt.Errorf("discovery: resolve module root: %w", err)
	}

	var out []DiscoveredPackage
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			rel, rerr := filepath.Rel(root, path)
			if rerr == nil && rel != "." {
				depth := len(strings.Split(filepath.ToSlash(rel), "/"))
				if depth > maxDepth {
					return filepath.SkipDir
				}
			}
			if d.Name() == ModuleFile || strings.HasPrefix(d.Name(), ".") {
				if path != root {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if d.Name() != BoundaryFile {
			return nil
		}

		dir := filepath.Dir(path)
		name, nerr := packageNameFor(root, dir)
		if nerr != nil {
			return nerr
		}

		pkg := DiscoveredPackage{Name: name, Dir: dir, Path: path}
		if parse {
			content, rerr := os.ReadFile(path)
			if rerr != nil {
				return fmt.Errorf("discovery: read %q: %w", path, rerr)
			}
			pkg.Content = content
		}
		out = append(out, pkg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// packageNameFor computes the colon-joined package name of dir relative to
// root. The module root itself is named "root".
func packageNameFor(root, dir string) (string, error) {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return "", fmt.Errorf("discovery: relative path: %w", err)
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "root", nil
	}
	return strings.ReplaceAll(rel, "/", ":"), nil
}
