// Package wal implements the append-only Write-Ahead Log that makes
// Production Cache put/remove mutations crash-safe. Record framing:
// [u32 length][u64 seq][u8 type][payload bytes][u32 crc32c].
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/taskmesh/taskmesh/internal/atomicfile"
	"github.com/taskmesh/taskmesh/internal/cacheerr"
)

// RecordType discriminates the tagged-union record payloads.
type RecordType uint8

const (
	TypePut        RecordType = 1
	TypeRemove     RecordType = 2
	TypeCheckpoint RecordType = 3
)

// crcTable is the CRC-32C (Castagnoli) table for the trailing record CRC,
// which covers seq, type and payload.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Record is one WAL entry. Put carries the key and the CAS hash/type/size/
// TTL it points to; Remove carries only the key; Checkpoint carries the
// sequence number at which the log was cut.
type Record struct {
	Seq       uint64
	Type      RecordType
	Key       string
	Hash      string
	TypeTag   string
	Size      int64
	TTLMillis int64 // 0 means no TTL
	Checkpoint uint64
}

// WAL guards a single active log file with an append mutex; fsync happens
// inside the lock so record order matches durability order.
type WAL struct {
	dir        string
	mu         sync.Mutex
	f          *os.File
	w          *bufio.Writer
	seq        uint64
}

func currentPath(dir string) string { return filepath.Join(dir, "current.log") }
func archiveDir(dir string) string  { return filepath.Join(dir, "archive") }

// Open opens (creating if absent) the WAL rooted at dir.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &cacheerr.IOError{Op: "mkdir", Path: dir, Err: err}
	}
	if err := os.MkdirAll(archiveDir(dir), 0o755); err != nil {
		return nil, &cacheerr.IOError{Op: "mkdir", Path: archiveDir(dir), Err: err}
	}
	path := currentPath(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &cacheerr.IOError{Op: "open", Path: path, Err: err}
	}
	return &WAL{dir: dir, f: f, w: bufio.NewWriter(f)}, nil
}

func (l *WAL) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.f.Close()
}

// NextSeq returns the next sequence number that Append will assign.
func (l *WAL) NextSeq() uint64 {
	return atomic.LoadUint64(&l.seq) + 1
}

// Append serializes record, assigns it the next sequence number, appends it
// to the log, and fsyncs before returning.
func (l *WAL) Append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	rec.Seq = l.seq
	payload := encodePayload(rec)

	buf := make([]byte, 0, 4+8+1+len(payload)+4)
	lenPlaceholder := make([]byte, 4)
	buf = append(buf, lenPlaceholder...)
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, rec.Seq)
	buf = append(buf, seqBuf...)
	buf = append(buf, byte(rec.Type))
	buf = append(buf, payload...)

	recordLen := uint32(8 + 1 + len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordLen)

	crc := crc32.Checksum(buf[4:], crcTable)
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	buf = append(buf, crcBuf...)

	if _, err := l.w.Write(buf); err != nil {
		return 0, &cacheerr.IOError{Op: "append", Path: currentPath(l.dir), Err: err}
	}
	if err := l.w.Flush(); err != nil {
		return 0, &cacheerr.IOError{Op: "flush", Path: currentPath(l.dir), Err: err}
	}
	if err := l.f.Sync(); err != nil {
		return 0, &cacheerr.IOError{Op: "fsync", Path: currentPath(l.dir), Err: err}
	}
	return rec.Seq, nil
}

// Replay iterates records in order from the active log, invoking cb for
// each. A torn tail (a record that ends abruptly because the writer was
// interrupted mid-append, so nothing valid follows it) is silently
// discarded. Mid-file corruption — a record whose full, correctly-sized
// bytes were read but whose CRC doesn't match, with more data still
// following it — means the log cannot be trusted past that point and is
// fatal, returned as CorruptWALMidError.
func Replay(dir string, cb func(Record) error) error {
	path := currentPath(dir)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &cacheerr.IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, consumed, err := readOne(r)
		if err == io.EOF {
			return nil
		}
		if err == errTornTail {
			return nil
		}
		if err == errMidCorrupt {
			return &cacheerr.CorruptWALMidError{Path: path, Seq: rec.Seq, Err: err}
		}
		if err != nil {
			if !consumed {
				// Nothing at all was read after a prior good record: clean EOF.
				return nil
			}
			return &cacheerr.CorruptWALMidError{Path: path, Seq: rec.Seq, Err: err}
		}
		if err := cb(rec); err != nil {
			return fmt.Errorf("wal: replay callback for seq %d: %w", rec.Seq, err)
		}
	}
}

var (
	// errTornTail marks a record that never finished being written: the
	// writer crashed mid-append, so the short read is the true end of the
	// log's valid data. Discarded silently by Replay.
	errTornTail = fmt.Errorf("wal: torn tail record")
	// errMidCorrupt marks a record whose complete, correctly-sized bytes
	// were read but failed its CRC check — the data is present but wrong,
	// not missing. Fatal when anything follows it in the file.
	errMidCorrupt = fmt.Errorf("wal: record failed crc check")
)

// readOne reads a single framed record. consumed indicates whether any
// bytes were read before failing (distinguishes clean EOF from a torn
// trailing record).
func readOne(r *bufio.Reader) (rec Record, consumed bool, err error) {
	header := make([]byte, 4)
	n, err := io.ReadFull(r, header)
	if err != nil {
		if n == 0 {
			return Record{}, false, io.EOF
		}
		// A partial header can only happen if the file ends before the
		// header finished being written: nothing valid can follow it.
		return Record{}, true, errTornTail
	}
	consumed = true
	length := binary.LittleEndian.Uint32(header)

	rest := make([]byte, length+4) // payload body (seq+type+payload) + trailing crc
	if _, err := io.ReadFull(r, rest); err != nil {
		// Same reasoning as the header: the body/crc were promised by a
		// fully-read length field but the file ends before they land.
		return Record{}, true, errTornTail
	}

	body := rest[:length]
	var seq uint64
	if len(body) >= 8 {
		seq = binary.LittleEndian.Uint64(body[0:8])
	}

	crcField := rest[length:]
	wantCRC := binary.LittleEndian.Uint32(crcField)
	gotCRC := crc32.Checksum(body, crcTable)
	if gotCRC != wantCRC {
		// Every byte the header promised was read: this isn't a truncated
		// write, the bytes are there but corrupt. If nothing follows, a
		// flipped bit on the last write is indistinguishable from a torn
		// tail, so we discard it the same way; if more data follows, the
		// log itself is compromised and replay must stop.
		if _, peekErr := r.Peek(1); peekErr != nil {
			return Record{}, true, errTornTail
		}
		return Record{Seq: seq}, true, errMidCorrupt
	}

	typ := RecordType(body[8])
	payload := body[9:]

	rec, decodeErr := decodePayload(seq, typ, payload)
	if decodeErr != nil {
		return rec, true, decodeErr
	}
	return rec, true, nil
}

// Checkpoint archives the current log to archive/<seq>.log and starts a new
// empty active log, recording the cut point.
func (l *WAL) Checkpoint() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.w.Flush(); err != nil {
		return 0, err
	}
	cutSeq := l.seq
	if err := l.f.Close(); err != nil {
		return 0, err
	}

	archivePath := filepath.Join(archiveDir(l.dir), fmt.Sprintf("%020d.log", cutSeq))
	if err := os.Rename(currentPath(l.dir), archivePath); err != nil {
		return 0, &cacheerr.IOError{Op: "archive", Path: archivePath, Err: err}
	}

	f, err := os.OpenFile(currentPath(l.dir), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, &cacheerr.IOError{Op: "open", Path: currentPath(l.dir), Err: err}
	}
	l.f = f
	l.w = bufio.NewWriter(f)

	// The checkpoint record itself lives at the head of the new log so a
	// fresh replay knows the cut point without consulting archive/.
	l.seq = cutSeq
	if _, err := l.appendLocked(Record{Type: TypeCheckpoint, Checkpoint: cutSeq}); err != nil {
		return 0, err
	}
	return cutSeq, nil
}

func (l *WAL) appendLocked(rec Record) (uint64, error) {
	l.seq++
	rec.Seq = l.seq
	payload := encodePayload(rec)

	buf := make([]byte, 4)
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, rec.Seq)
	buf = append(buf, seqBuf...)
	buf = append(buf, byte(rec.Type))
	buf = append(buf, payload...)
	recordLen := uint32(8 + 1 + len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordLen)
	crc := crc32.Checksum(buf[4:], crcTable)
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	buf = append(buf, crcBuf...)

	if _, err := l.w.Write(buf); err != nil {
		return 0, err
	}
	if err := l.w.Flush(); err != nil {
		return 0, err
	}
	if err := l.f.Sync(); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

func encodePayload(rec Record) []byte {
	var buf []byte
	switch rec.Type {
	case TypePut:
		buf = appendLPString(buf, rec.Key)
		buf = appendLPString(buf, rec.Hash)
		buf = appendLPString(buf, rec.TypeTag)
		buf = appendUint64(buf, uint64(rec.Size))
		buf = appendUint64(buf, uint64(rec.TTLMillis))
	case TypeRemove:
		buf = appendLPString(buf, rec.Key)
	case TypeCheckpoint:
		buf = appendUint64(buf, rec.Checkpoint)
	}
	return buf
}

func decodePayload(seq uint64, typ RecordType, payload []byte) (Record, error) {
	rec := Record{Seq: seq, Type: typ}
	var ok bool
	switch typ {
	case TypePut:
		rec.Key, payload, ok = readLPString(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated put key")
		}
		rec.Hash, payload, ok = readLPString(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated put hash")
		}
		rec.TypeTag, payload, ok = readLPString(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated put type tag")
		}
		var size, ttl uint64
		size, payload, ok = readUint64(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated put size")
		}
		ttl, _, ok = readUint64(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated put ttl")
		}
		rec.Size = int64(size)
		rec.TTLMillis = int64(ttl)
	case TypeRemove:
		rec.Key, _, ok = readLPString(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated remove key")
		}
	case TypeCheckpoint:
		var cp uint64
		cp, _, ok = readUint64(payload)
		if !ok {
			return rec, fmt.Errorf("wal: truncated checkpoint seq")
		}
		rec.Checkpoint = cp
	default:
		return rec, fmt.Errorf("wal: unknown record type %d", typ)
	}
	return rec, nil
}

func appendLPString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func readLPString(b []byte) (string, []byte, bool) {
	n, rest, ok := readUint64(b)
	if !ok || uint64(len(rest)) < n {
		return "", nil, false
	}
	return string(rest[:n]), rest[n:], true
}

func appendUint64(buf []byte, v uint64) []byte {
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, v)
	return append(buf, tmp...)
}

func readUint64(b []byte) (uint64, []byte, bool) {
	if len(b) < 8 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint64(b[:8]), b[8:], true
}

// EnsureArchiveDir is exported for tests that want to inspect archived
// segments directly.
func EnsureArchiveDir(dir string) (string, error) {
	p := archiveDir(dir)
	return p, atomicfile.EnsureDir(p, 0o755)
}
