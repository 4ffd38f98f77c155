// Package atomicfile provides write-then-rename filesystem primitives that
// guarantee a target file never observes partial content.
package atomicfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Write writes data to path by writing to a sibling temp file, fsyncing it,
// renaming it over path, and fsyncing the parent directory.
//
// On success path contains exactly data or its prior content; never a
// partial write. On failure the temp file is removed and path is untouched.
func Write(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("atomicfile: write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("atomicfile: chmod %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("atomicfile: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomicfile: rename %s -> %s: %w", tmpName, path, err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("atomicfile: fsync dir %s: %w", dir, err)
	}
	return nil
}

// WriteString is a convenience wrapper around Write for string content.
func WriteString(path string, s string, perm os.FileMode) error {
	return Write(path, []byte(s), perm)
}

// WriteFromReader streams r to path using the same write-fsync-rename
// pattern, returning the total number of bytes written.
func WriteFromReader(path string, r io.Reader, perm os.FileMode) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, fmt.Errorf("atomicfile: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("atomicfile: copy into %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return n, fmt.Errorf("atomicfile: chmod %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("atomicfile: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("atomicfile: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return n, fmt.Errorf("atomicfile: rename %s -> %s: %w", tmpName, path, err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return n, fmt.Errorf("atomicfile: fsync dir %s: %w", dir, err)
	}
	return n, nil
}

// EnsureDir creates dir (and parents) and durably fsyncs it and its parent.
func EnsureDir(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("atomicfile: fsync dir %s: %w", dir, err)
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := syncDir(parent); err != nil {
			return fmt.Errorf("atomicfile: fsync parent %s: %w", parent, err)
		}
	}
	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
