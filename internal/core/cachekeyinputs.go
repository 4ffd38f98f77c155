package core

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/taskmesh/taskmesh/internal/cachekey"
)

// CacheKeyInputs converts a resolved InputSet into the content-hash rows
// cachekey.Compute expects.
func (s *InputSet) CacheKeyInputs() []cachekey.InputFile {
	out := make([]cachekey.InputFile, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		sum := sha256.Sum256(in.Content)
		out = append(out, cachekey.InputFile{
			Path: in.Path,
			Hash: hex.EncodeToString(sum[:]),
		})
	}
	return out
}
