package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/internal/cacheerr"
	"github.com/taskmesh/taskmesh/internal/cas"
)

// Entry is one Production Cache index row. Invariant: ValueHash must exist
// in the CAS with ref_count >= 1; removing an entry decrements exactly one
// reference on its hash.
type Entry struct {
	Key            string     `json:"key"`
	ValueHash      cas.Hash   `json:"value_hash"`
	TypeTag        string     `json:"type_tag"`
	LogicalSize    int64      `json:"logical_size"`
	CompressedSize int64      `json:"compressed_size"`
	StoredAt       time.Time  `json:"stored_at"`
	LastAccess     time.Time  `json:"last_access"`
	AccessCount    int64      `json:"access_count"`
	TTL            *int64     `json:"ttl_millis,omitempty"`
	Checksum       string     `json:"checksum"`
	Compressed     bool       `json:"compressed"`
}

func (e *Entry) expired(now time.Time) bool {
	if e.TTL == nil {
		return false
	}
	deadline := e.StoredAt.Add(time.Duration(*e.TTL) * time.Millisecond)
	return now.After(deadline)
}

// ValidateKey enforces spec.md §3's CacheKey constraints: non-empty, no
// NUL byte, no path-separator characters, length <= 1024.
func ValidateKey(key string) error {
	if key == "" {
		return &cacheerr.InvalidKeyError{Key: key, Reason: "empty"}
	}
	if len(key) > 1024 {
		return &cacheerr.InvalidKeyError{Key: key, Reason: "exceeds 1024 bytes"}
	}
	if strings.ContainsRune(key, 0) {
		return &cacheerr.InvalidKeyError{Key: key, Reason: "contains NUL byte"}
	}
	if strings.ContainsAny(key, "/\\") {
		return &cacheerr.InvalidKeyError{Key: key, Reason: "contains path separator"}
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
