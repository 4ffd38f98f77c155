// Package cache implements the Production Cache (spec.md §4.E): a
// key->metadata index layered over the Content-Addressed Store, the
// Write-Ahead Log, and a pluggable Eviction Engine, with optional
// compression, TTL, and statistics.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spaolacci/murmur3"

	"github.com/taskmesh/taskmesh/internal/atomicfile"
	"github.com/taskmesh/taskmesh/internal/cacheerr"
	"github.com/taskmesh/taskmesh/internal/cas"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/eviction"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/wal"

	"github.com/sirupsen/logrus"
)

const stripeCount = 64

// Cache is the Production Cache. All public methods are safe for
// concurrent use: the index uses a RWMutex, and per-key mutation is
// serialized by a murmur3-striped mutex bank to bound lock overhead while
// guaranteeing at-most-one-writer-per-key.
type Cache struct {
	cfg config.CacheConfig
	log *logrus.Logger
	bus *events.Bus

	cas *cas.Store
	wal *wal.WAL

	memPolicy  eviction.Policy
	diskPolicy eviction.Policy

	indexMu sync.RWMutex
	index   map[string]*Entry

	stripes [stripeCount]sync.Mutex

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	stats Stats
}

// Stats mirrors spec.md §4.E's statistics() contract.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Writes        uint64
	Removals      uint64
	Evictions     uint64
	BytesInMemory int64
	BytesOnDisk   int64
	TotalObjects  int64
}

func entriesPath(baseDir string) string { return filepath.Join(baseDir, "entries.json") }

// Open opens (creating if absent) a Production Cache rooted at cfg.BaseDir:
// it opens the CAS and loads its index, replays the WAL against the entry
// index, and reconciles entries whose hash no longer exists in CAS.
func Open(cfg config.CacheConfig, bus *events.Bus, log *logrus.Logger) (*Cache, error) {
	if log == nil {
		log = logrus.New()
	}
	store, err := cas.Open(cfg.BaseDir, cfg.InlineThreshold)
	if err != nil {
		return nil, fmt.Errorf("cache: open cas: %w", err)
	}
	w, err := wal.Open(filepath.Join(cfg.BaseDir, "wal"))
	if err != nil {
		return nil, fmt.Errorf("cache: open wal: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("cache: init zstd decoder: %w", err)
	}

	c := &Cache{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		cas:        store,
		wal:        w,
		memPolicy:  eviction.NewPolicy(string(cfg.EvictionPolicy), cfg.MaxMemorySize),
		diskPolicy: eviction.NewPolicy(string(cfg.EvictionPolicy), cfg.MaxDiskSize),
		index:      make(map[string]*Entry),
		encoder:    enc,
		decoder:    dec,
	}

	if err := c.loadEntries(); err != nil {
		return nil, err
	}
	if err := c.replayWAL(); err != nil {
		return nil, err
	}
	c.reconcile()

	return c, nil
}

func (c *Cache) stripeFor(key string) *sync.Mutex {
	return &c.stripes[murmur3.Sum32([]byte(key))%stripeCount]
}

// Put validates key, serializes value with json (the canonical encoder for
// its type tag), optionally compresses, stores the bytes in CAS, appends a
// WAL Put, swaps the index entry (releasing any previous hash), updates
// eviction metadata, and evicts if the update pushed the tracked quota over
// budget.
func Put[T any](c *Cache, key string, value T, typeTag string, ttl *time.Duration) error {
	if c.cfg.Mode == config.ModeOff || c.cfg.Mode == config.ModeRead {
		return nil // Mode::Read + put is a silent no-op (spec Open Question c)
	}
	if !c.cfg.Enabled {
		return nil
	}
	if err := ValidateKey(key); err != nil {
		return err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode value for key %q: %w", key, err)
	}

	mu := c.stripeFor(key)
	mu.Lock()
	defer mu.Unlock()

	stored := raw
	compressed := false
	if c.cfg.CompressionEnabled {
		candidate := c.encoder.EncodeAll(raw, nil)
		compressedSize := int64(len(candidate))
		// Only keep the compressed form when it is not small enough to be
		// inlined anyway and it actually shrinks the payload.
		if compressedSize >= c.cfg.InlineThreshold && compressedSize < int64(len(raw)) {
			stored = candidate
			compressed = true
		}
	}

	hash, err := c.cas.StoreBytes(stored)
	if err != nil {
		return fmt.Errorf("cache: store cas object for key %q: %w", key, err)
	}

	var ttlMillis *int64
	if ttl != nil {
		m := ttl.Milliseconds()
		ttlMillis = &m
	}

	if _, err := c.wal.Append(wal.Record{
		Type:      wal.TypePut,
		Key:       key,
		Hash:      string(hash),
		TypeTag:   typeTag,
		Size:      int64(len(stored)),
		TTLMillis: derefOr(ttlMillis, 0),
	}); err != nil {
		return fmt.Errorf("cache: append wal put for key %q: %w", key, err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		Key:            key,
		ValueHash:      hash,
		TypeTag:        typeTag,
		LogicalSize:    int64(len(raw)),
		CompressedSize: int64(len(stored)),
		StoredAt:       now,
		LastAccess:     now,
		AccessCount:    0,
		TTL:            ttlMillis,
		Checksum:       sha256Hex(raw),
		Compressed:     compressed,
	}

	c.indexMu.Lock()
	old, hadOld := c.index[key]
	c.index[key] = entry
	c.indexMu.Unlock()

	if hadOld {
		if err := c.cas.Release(old.ValueHash); err != nil {
			c.log.WithError(err).Warn("cache: release superseded cas hash")
		}
	}

	c.memPolicy.Touch(key, entry.CompressedSize)
	victims := c.diskPolicy.Insert(key, entry.CompressedSize)
	c.applyEvictions(victims)

	atomic.AddUint64(&c.stats.Writes, 1)
	c.publish(events.CacheWrite, key, entry.CompressedSize, "")

	return nil
}

func derefOr(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

// Get looks up key; a miss (absent or TTL-expired) returns ok=false.
// Expired entries are lazily removed. On hit, bytes are retrieved from CAS,
// checksum-verified, decompressed if flagged, and decoded into T.
func Get[T any](c *Cache, key string) (value T, ok bool, err error) {
	if c.cfg.Mode == config.ModeOff || c.cfg.Mode == config.ModeWrite {
		return value, false, nil
	}
	if !c.cfg.Enabled {
		return value, false, nil
	}

	mu := c.stripeFor(key)
	mu.Lock()
	defer mu.Unlock()

	c.indexMu.RLock()
	entry, found := c.index[key]
	c.indexMu.RUnlock()
	if !found {
		atomic.AddUint64(&c.stats.Misses, 1)
		c.publish(events.CacheMiss, key, 0, "")
		return value, false, nil
	}

	if entry.expired(time.Now().UTC()) {
		c.removeLocked(key, entry)
		atomic.AddUint64(&c.stats.Misses, 1)
		c.publish(events.CacheMiss, key, 0, "ttl expired")
		return value, false, nil
	}

	stored, err := c.cas.Retrieve(entry.ValueHash)
	if err != nil {
		c.removeLocked(key, entry)
		atomic.AddUint64(&c.stats.Misses, 1)
		c.publish(events.CacheEvict, key, 0, "corruption: missing cas object")
		return value, false, nil
	}

	raw := stored
	if entry.Compressed {
		raw, err = c.decoder.DecodeAll(stored, nil)
		if err != nil {
			c.removeLocked(key, entry)
			atomic.AddUint64(&c.stats.Misses, 1)
			c.publish(events.CacheEvict, key, 0, "corruption: decompress failed")
			return value, false, &cacheerr.CorruptEntryError{Key: key, Reason: "decompress failed", Err: err}
		}
	}

	if sha256Hex(raw) != entry.Checksum {
		c.removeLocked(key, entry)
		atomic.AddUint64(&c.stats.Misses, 1)
		c.publish(events.CacheEvict, key, 0, "corruption: checksum mismatch")
		return value, false, &cacheerr.CorruptEntryError{Key: key, Reason: "checksum mismatch"}
	}

	if err := json.Unmarshal(raw, &value); err != nil {
		c.removeLocked(key, entry)
		atomic.AddUint64(&c.stats.Misses, 1)
		c.publish(events.CacheEvict, key, 0, "corruption: decode failed")
		return value, false, &cacheerr.CorruptEntryError{Key: key, Reason: "decode failed", Err: err}
	}

	entry.LastAccess = time.Now().UTC()
	entry.AccessCount++
	c.memPolicy.Touch(key, entry.CompressedSize)
	c.diskPolicy.Touch(key, entry.CompressedSize)

	atomic.AddUint64(&c.stats.Hits, 1)
	c.publish(events.CacheHit, key, entry.CompressedSize, "")
	return value, true, nil
}

// Remove deletes key's entry if present, releasing its CAS reference and
// appending a WAL Remove record.
func (c *Cache) Remove(key string) (bool, error) {
	mu := c.stripeFor(key)
	mu.Lock()
	defer mu.Unlock()

	c.indexMu.RLock()
	entry, found := c.index[key]
	c.indexMu.RUnlock()
	if !found {
		return false, nil
	}

	if _, err := c.wal.Append(wal.Record{Type: wal.TypeRemove, Key: key}); err != nil {
		return false, fmt.Errorf("cache: append wal remove for key %q: %w", key, err)
	}
	c.removeLocked(key, entry)
	atomic.AddUint64(&c.stats.Removals, 1)
	return true, nil
}

// removeLocked drops the index entry and releases its CAS reference. Caller
// must hold the per-key stripe mutex.
func (c *Cache) removeLocked(key string, entry *Entry) {
	c.indexMu.Lock()
	delete(c.index, key)
	c.indexMu.Unlock()
	c.memPolicy.Remove(key)
	c.diskPolicy.Remove(key)
	if err := c.cas.Release(entry.ValueHash); err != nil {
		c.log.WithError(err).Warn("cache: release cas hash on remove")
	}
}

// Metadata returns the public metadata view of key, if present.
func (c *Cache) Metadata(key string) (logicalSize int64, storedAt, lastAccess time.Time, ttl *time.Duration, ok bool) {
	c.indexMu.RLock()
	defer c.indexMu.RUnlock()
	e, found := c.index[key]
	if !found {
		return 0, time.Time{}, time.Time{}, nil, false
	}
	var d *time.Duration
	if e.TTL != nil {
		dur := time.Duration(*e.TTL) * time.Millisecond
		d = &dur
	}
	return e.LogicalSize, e.StoredAt, e.LastAccess, d, true
}

// Clear drops every entry and releases its CAS reference.
func (c *Cache) Clear() error {
	c.indexMu.Lock()
	entries := c.index
	c.index = make(map[string]*Entry)
	c.indexMu.Unlock()

	for key, e := range entries {
		c.memPolicy.Remove(key)
		c.diskPolicy.Remove(key)
		if err := c.cas.Release(e.ValueHash); err != nil {
			return fmt.Errorf("cache: clear release %q: %w", key, err)
		}
	}
	return c.persistEntries()
}

// Statistics returns the current hit/miss/write/eviction counters and
// tracked byte totals.
func (c *Cache) Statistics() Stats {
	s := Stats{
		Hits:      atomic.LoadUint64(&c.stats.Hits),
		Misses:    atomic.LoadUint64(&c.stats.Misses),
		Writes:    atomic.LoadUint64(&c.stats.Writes),
		Removals:  atomic.LoadUint64(&c.stats.Removals),
		Evictions: atomic.LoadUint64(&c.stats.Evictions),
	}
	s.BytesInMemory = c.memPolicy.Used()
	s.BytesOnDisk = c.diskPolicy.Used()
	c.indexMu.RLock()
	s.TotalObjects = int64(len(c.index))
	c.indexMu.RUnlock()
	return s
}

func (c *Cache) applyEvictions(victims []string) {
	for _, key := range victims {
		c.indexMu.RLock()
		e, found := c.index[key]
		c.indexMu.RUnlock()
		if !found {
			continue
		}
		c.indexMu.Lock()
		delete(c.index, key)
		c.indexMu.Unlock()
		if err := c.cas.Release(e.ValueHash); err != nil {
			c.log.WithError(err).Warn("cache: release cas hash on eviction")
		}
		atomic.AddUint64(&c.stats.Evictions, 1)
		c.publish(events.CacheEvict, key, e.CompressedSize, "quota exceeded")
	}
}

func (c *Cache) publish(kind events.Kind, key string, size int64, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{Kind: kind, TaskID: key, Size: size, Reason: reason})
}

// Close flushes and closes the WAL. The CAS index is persisted on every
// mutating call so no extra flush is required there.
func (c *Cache) Close() error {
	if err := c.persistEntries(); err != nil {
		return err
	}
	return c.wal.Close()
}

// GarbageCollect runs a CAS sweep for zero-ref objects, invoked periodically
// by internal/cli.RunJanitor on a cron schedule.
func (c *Cache) GarbageCollect() (count int, bytes int64, err error) {
	return c.cas.GarbageCollect()
}

type entriesFile struct {
	Entries []*Entry `json:"entries"`
}

func (c *Cache) loadEntries() error {
	data, err := os.ReadFile(entriesPath(c.cfg.BaseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &cacheerr.IOError{Op: "load entries", Path: entriesPath(c.cfg.BaseDir), Err: err}
	}
	var ef entriesFile
	if err := json.Unmarshal(data, &ef); err != nil {
		return fmt.Errorf("cache: corrupt entries index: %w", err)
	}
	for _, e := range ef.Entries {
		c.index[e.Key] = e
		c.memPolicy.Touch(e.Key, e.CompressedSize)
		c.diskPolicy.Touch(e.Key, e.CompressedSize)
	}
	return nil
}

func (c *Cache) persistEntries() error {
	c.indexMu.RLock()
	var ef entriesFile
	for _, e := range c.index {
		ef.Entries = append(ef.Entries, e)
	}
	c.indexMu.RUnlock()

	data, err := json.MarshalIndent(ef, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: marshal entries: %w", err)
	}
	return atomicfile.Write(entriesPath(c.cfg.BaseDir), data, 0o644)
}

// replayWAL applies every Put/Remove recorded since the last checkpoint to
// the entry index loaded from entries.json.
func (c *Cache) replayWAL() error {
	loaded := make(map[string]*Entry, len(c.index))
	for k, e := range c.index {
		loaded[k] = e
	}
	return wal.Replay(filepath.Join(c.cfg.BaseDir, "wal"), func(rec wal.Record) error {
		switch rec.Type {
		case wal.TypePut:
			// A Put whose hash matches the entries.json row keeps that row,
			// which carries the checksum and compression flag the record lacks.
			if e, ok := loaded[rec.Key]; ok && e.ValueHash == cas.Hash(rec.Hash) {
				c.index[rec.Key] = e
				return nil
			}
			var ttl *int64
			if rec.TTLMillis != 0 {
				t := rec.TTLMillis
				ttl = &t
			}
			c.index[rec.Key] = &Entry{
				Key:            rec.Key,
				ValueHash:      cas.Hash(rec.Hash),
				TypeTag:        rec.TypeTag,
				CompressedSize: rec.Size,
				LogicalSize:    rec.Size,
				StoredAt:       time.Now().UTC(),
				LastAccess:     time.Now().UTC(),
				TTL:            ttl,
			}
		case wal.TypeRemove:
			delete(c.index, rec.Key)
		}
		return nil
	})
}

// reconcile drops index entries whose CAS hash no longer exists (treated as
// corruption) and sweeps any now-zero-ref CAS object.
func (c *Cache) reconcile() {
	for key, e := range c.index {
		if !c.cas.Contains(e.ValueHash) {
			delete(c.index, key)
			c.log.WithField("key", key).Warn("cache: dropping entry with missing cas object during reconcile")
		}
	}
	if _, _, err := c.cas.GarbageCollect(); err != nil {
		c.log.WithError(err).Warn("cache: reconcile gc failed")
	}
}
