// Package artifacts collects declared task outputs into a content-addressed
// manifest for the Production Cache to store and later re-materialize, and
// restores a cached manifest back into a task's workspace.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/taskmesh/taskmesh/internal/atomicfile"
	"github.com/taskmesh/taskmesh/internal/cas"
)

// Artifact is one collected output file: its workspace-relative path
// (forward-slash normalized) and raw content.
type Artifact struct {
	Path    string
	Content []byte
}

// Ref is one manifest row: the artifact's path and its CAS hash. The
// manifest itself (not the content) is what the Production Cache stores
// under a task's cache key; the content lives in the CAS, addressed by
// hash, and is shared across any tasks that happen to produce byte-identical
// output.
type Ref struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Manifest is the full set of output refs for one task execution.
type Manifest struct {
	Refs []Ref `json:"refs"`
}

// Normalizer removes nondeterministic data (timestamps, PIDs, addresses)
// from output content before it is hashed and stored, so logically
// identical runs produce byte-identical artifacts.
type Normalizer interface {
	Normalize(content []byte) []byte
}

// Harvester collects artifacts from declared output paths after task
// execution. Only files explicitly declared in outputs are collected — this
// never scans for "all modified files".
type Harvester struct {
	BaseDir    string
	Normalizer Normalizer // optional; nil means raw bytes preserved
}

func NewHarvester(baseDir string) *Harvester {
	return &Harvester{BaseDir: baseDir}
}

// Harvest resolves each declared output relative to BaseDir, recursing into
// directories, and returns the sorted, deduplicated, optionally normalized
// artifact set. Returns an error if a declared output does not exist.
func (h *Harvester) Harvest(declaredOutputs []string) ([]Artifact, error) {
	if len(declaredOutputs) == 0 {
		return nil, nil
	}

	var allPaths []string
	for _, output := range declaredOutputs {
		fullPath := output
		if !filepath.IsAbs(output) {
			fullPath = filepath.Join(h.BaseDir, output)
		}
		info, err := os.Stat(fullPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("declared output does not exist: %s", output)
			}
			return nil, fmt.Errorf("stat output %q: %w", output, err)
		}
		if info.IsDir() {
			files, err := collectFilesFromDir(fullPath)
			if err != nil {
				return nil, fmt.Errorf("collecting files from %q: %w", output, err)
			}
			allPaths = append(allPaths, files...)
		} else {
			allPaths = append(allPaths, fullPath)
		}
	}

	sort.Strings(allPaths)
	allPaths = dedupSorted(allPaths)

	artifactList := make([]Artifact, 0, len(allPaths))
	for _, path := range allPaths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading artifact %q: %w", path, err)
		}
		if h.Normalizer != nil {
			content = h.Normalizer.Normalize(content)
		}
		rel, err := filepath.Rel(h.BaseDir, path)
		if err != nil {
			rel = path
		}
		artifactList = append(artifactList, Artifact{
			Path:    filepath.ToSlash(rel),
			Content: content,
		})
	}
	return artifactList, nil
}

func collectFilesFromDir(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func dedupSorted(sorted []string) []string {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			out = append(out, sorted[i])
		}
	}
	return out
}

// Bundle stores each artifact's content in the CAS and returns the manifest
// referencing their hashes.
func Bundle(store *cas.Store, list []Artifact) (Manifest, error) {
	var m Manifest
	for _, a := range list {
		hash, err := store.StoreBytes(a.Content)
		if err != nil {
			return Manifest{}, fmt.Errorf("artifacts: bundle %q: %w", a.Path, err)
		}
		m.Refs = append(m.Refs, Ref{Path: a.Path, Hash: string(hash), Size: int64(len(a.Content))})
	}
	return m, nil
}

// Release drops the CAS references a manifest holds, used when a cache
// entry referencing it is evicted or removed.
func Release(store *cas.Store, m Manifest) error {
	for _, r := range m.Refs {
		if err := store.Release(cas.Hash(r.Hash)); err != nil {
			return fmt.Errorf("artifacts: release %q: %w", r.Path, err)
		}
	}
	return nil
}

// Restore re-materializes every ref in m into baseDir, skipping files whose
// on-disk content already matches (avoiding redundant writes), and returns
// the count of files actually restored.
func Restore(store *cas.Store, m Manifest, baseDir string) (int, error) {
	restored := 0
	for _, r := range m.Refs {
		target := filepath.Join(baseDir, filepath.FromSlash(r.Path))
		content, err := store.Retrieve(cas.Hash(r.Hash))
		if err != nil {
			return restored, fmt.Errorf("artifacts: restore %q: %w", r.Path, err)
		}
		if existing, err := os.ReadFile(target); err == nil && string(existing) == string(content) {
			continue
		}
		if err := atomicfile.Write(target, content, 0o644); err != nil {
			return restored, fmt.Errorf("artifacts: write %q: %w", target, err)
		}
		restored++
	}
	return restored, nil
}
