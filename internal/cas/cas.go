// Package cas implements the Content-Addressed Store: deduplicated binary
// storage keyed by the SHA-256 hash of its content. Large objects live
// under objects/<hh>/<rest>, small ones are inlined under inline/<hash>.
package cas

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/taskmesh/taskmesh/internal/atomicfile"
	"github.com/taskmesh/taskmesh/internal/cacheerr"
)

// Hash is a 64-hex-char SHA-256 digest.
type Hash string

// Metadata describes a stored object. Invariant: Inlined == (SizeBytes <=
// inline threshold at the time it was stored).
type Metadata struct {
	Hash      Hash      `json:"hash"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
	RefCount  int64     `json:"ref_count"`
	Inlined   bool      `json:"inlined"`
}

const shardCount = 32

// Store is a sharded, concurrent content-addressed object store.
type Store struct {
	baseDir         string
	objectsDir      string
	inlineDir       string
	inlineThreshold int64

	shards      [shardCount]*shard
	totalBytes  int64
	persistMu   sync.Mutex // serializes full-index persistence; readers never block on it
}

type shard struct {
	mu      sync.Mutex
	entries map[Hash]*Metadata
}

// Open opens (creating if absent) a CAS rooted at baseDir, loading its
// on-disk index.
func Open(baseDir string, inlineThreshold int64) (*Store, error) {
	s := &Store{
		baseDir:         baseDir,
		objectsDir:      filepath.Join(baseDir, "objects"),
		inlineDir:       filepath.Join(baseDir, "inline"),
		inlineThreshold: inlineThreshold,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Hash]*Metadata)}
	}
	if err := os.MkdirAll(s.objectsDir, 0o755); err != nil {
		return nil, &cacheerr.IOError{Op: "mkdir", Path: s.objectsDir, Err: err}
	}
	if err := os.MkdirAll(s.inlineDir, 0o755); err != nil {
		return nil, &cacheerr.IOError{Op: "mkdir", Path: s.inlineDir, Err: err}
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) shardFor(h Hash) *shard {
	sum := murmur3.Sum32([]byte(h))
	return s.shards[sum%shardCount]
}

func (s *Store) indexPath() string { return filepath.Join(s.baseDir, "index.json") }

// Store streams r, computing its SHA-256 hash. If the hash is already
// present, its ref_count is incremented and no new bytes are written.
// Otherwise the content is written inline or to an object path depending on
// inlineThreshold, metadata is inserted with ref_count = 1, and the index is
// persisted.
func (s *Store) Store(r io.Reader) (Hash, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", &cacheerr.IOError{Op: "read", Path: "<stream>", Err: err}
	}
	sum := sha256.Sum256(buf)
	hash := Hash(hex.EncodeToString(sum[:]))

	sh := s.shardFor(hash)
	sh.mu.Lock()
	if existing, ok := sh.entries[hash]; ok {
		atomic.AddInt64(&existing.RefCount, 1)
		sh.mu.Unlock()
		return hash, nil
	}
	sh.mu.Unlock()

	inlined := int64(len(buf)) <= s.inlineThreshold
	path := s.pathFor(hash, inlined)
	if err := atomicfile.Write(path, buf, 0o644); err != nil {
		return "", &cacheerr.IOError{Op: "store", Path: path, Err: err}
	}

	md := &Metadata{
		Hash:      hash,
		SizeBytes: int64(len(buf)),
		StoredAt:  time.Now().UTC(),
		RefCount:  1,
		Inlined:   inlined,
	}

	sh.mu.Lock()
	if existing, ok := sh.entries[hash]; ok {
		// Lost the race with another concurrent store of identical content.
		atomic.AddInt64(&existing.RefCount, 1)
		sh.mu.Unlock()
		_ = os.Remove(path)
		return hash, nil
	}
	sh.entries[hash] = md
	sh.mu.Unlock()

	atomic.AddInt64(&s.totalBytes, md.SizeBytes)
	if err := s.persistIndex(); err != nil {
		return "", err
	}
	return hash, nil
}

// StoreBytes is a convenience wrapper around Store for in-memory content.
func (s *Store) StoreBytes(b []byte) (Hash, error) {
	return s.Store(bytes.NewReader(b))
}

func (s *Store) pathFor(h Hash, inlined bool) string {
	if inlined {
		return filepath.Join(s.inlineDir, string(h))
	}
	return filepath.Join(s.objectsDir, string(h)[:2], string(h)[2:])
}

// Retrieve reads the bytes for hash, failing with a NotFoundError if absent.
func (s *Store) Retrieve(h Hash) ([]byte, error) {
	md, ok := s.GetMetadata(h)
	if !ok {
		return nil, &cacheerr.NotFoundError{What: "cas object", Key: string(h)}
	}
	path := s.pathFor(h, md.Inlined)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &cacheerr.NotFoundError{What: "cas object", Key: string(h)}
		}
		return nil, &cacheerr.IOError{Op: "retrieve", Path: path, Err: err}
	}
	return data, nil
}

// Contains reports whether hash has an indexed entry.
func (s *Store) Contains(h Hash) bool {
	_, ok := s.GetMetadata(h)
	return ok
}

// GetMetadata returns a copy of the metadata for hash, if present.
func (s *Store) GetMetadata(h Hash) (Metadata, bool) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	md, ok := sh.entries[h]
	if !ok {
		return Metadata{}, false
	}
	return *md, true
}

// Release decrements hash's ref_count; at zero, the backing file is removed
// and the entry dropped.
func (s *Store) Release(h Hash) error {
	sh := s.shardFor(h)
	sh.mu.Lock()
	md, ok := sh.entries[h]
	if !ok {
		sh.mu.Unlock()
		return nil
	}
	remaining := atomic.AddInt64(&md.RefCount, -1)
	var toRemove *Metadata
	if remaining <= 0 {
		delete(sh.entries, h)
		toRemove = md
	}
	sh.mu.Unlock()

	if toRemove == nil {
		return nil
	}
	path := s.pathFor(h, toRemove.Inlined)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &cacheerr.IOError{Op: "release", Path: path, Err: err}
	}
	atomic.AddInt64(&s.totalBytes, -toRemove.SizeBytes)
	return s.persistIndex()
}

// TotalBytes returns the sum of size_bytes across all indexed entries.
func (s *Store) TotalBytes() int64 {
	return atomic.LoadInt64(&s.totalBytes)
}

// GarbageCollect sweeps zero-ref entries (defensive; Release already removes
// entries at zero ref_count, but entries can reach zero through reconcile
// after a WAL replay without going through Release).
func (s *Store) GarbageCollect() (count int, freedBytes int64, err error) {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for h, md := range sh.entries {
			if md.RefCount > 0 {
				continue
			}
			path := s.pathFor(h, md.Inlined)
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				sh.mu.Unlock()
				return count, freedBytes, &cacheerr.IOError{Op: "gc", Path: path, Err: rmErr}
			}
			delete(sh.entries, h)
			freedBytes += md.SizeBytes
			count++
		}
		sh.mu.Unlock()
	}
	if count > 0 {
		atomic.AddInt64(&s.totalBytes, -freedBytes)
		if err := s.persistIndex(); err != nil {
			return count, freedBytes, err
		}
	}
	return count, freedBytes, nil
}

// IncrementRef bumps an existing hash's ref_count (used when a higher-level
// cache re-references an already-stored object, e.g. two keys sharing
// identical content).
func (s *Store) IncrementRef(h Hash) error {
	sh := s.shardFor(h)
	sh.mu.Lock()
	md, ok := sh.entries[h]
	if !ok {
		sh.mu.Unlock()
		return &cacheerr.NotFoundError{What: "cas object", Key: string(h)}
	}
	atomic.AddInt64(&md.RefCount, 1)
	sh.mu.Unlock()
	return nil
}

type indexFile struct {
	Entries []Metadata `json:"entries"`
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &cacheerr.IOError{Op: "load index", Path: s.indexPath(), Err: err}
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("cas: corrupt index %s: %w", s.indexPath(), err)
	}
	var total int64
	for i := range idx.Entries {
		md := idx.Entries[i]
		sh := s.shardFor(md.Hash)
		sh.mu.Lock()
		sh.entries[md.Hash] = &md
		sh.mu.Unlock()
		total += md.SizeBytes
	}
	atomic.StoreInt64(&s.totalBytes, total)
	return nil
}

func (s *Store) persistIndex() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	var idx indexFile
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, md := range sh.entries {
			idx.Entries = append(idx.Entries, *md)
		}
		sh.mu.Unlock()
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("cas: marshal index: %w", err)
	}
	if err := atomicfile.Write(s.indexPath(), data, 0o644); err != nil {
		return &cacheerr.IOError{Op: "persist index", Path: s.indexPath(), Err: err}
	}
	return nil
}
