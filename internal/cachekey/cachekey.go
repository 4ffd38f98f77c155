// Package cachekey computes the deterministic cache key spec.md §4.L step 2
// requires: a hash over task name, command/script content, declared inputs'
// file hashes, env-filter-selected vars, and output declarations.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/binary"
	"hash"
	"sort"
)

// InputFile is one resolved input with its content hash, keyed by its
// normalized path.
type InputFile struct {
	Path string
	Hash string // hex sha256 of file content
}

// Spec bundles everything that feeds the deterministic cache key.
type Spec struct {
	TaskName   string
	Command    string
	Inputs     []InputFile
	Env        map[string]string // already filtered by the configured env_filter
	Outputs    []string
}

// Compute returns the deterministic cache key for spec, as a 64-hex-char
// SHA-256 digest. Hashing is order-independent for inputs/env/outputs: each
// is sorted before being folded in, matching the teacher's length-prefixed
// write discipline so equal logical content always yields equal bytes.
func Compute(spec Spec) string {
	h := sha256.New()
	writeLP(h, []byte(spec.TaskName))
	writeLP(h, []byte(spec.Command))

	inputs := make([]InputFile, len(spec.Inputs))
	copy(inputs, spec.Inputs)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].Path < inputs[j].Path })
	writeUint64(h, uint64(len(inputs)))
	for _, in := range inputs {
		writeLP(h, []byte(in.Path))
		writeLP(h, []byte(in.Hash))
	}

	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	writeUint64(h, uint64(len(envKeys)))
	for _, k := range envKeys {
		writeLP(h, []byte(k))
		writeLP(h, []byte(spec.Env[k]))
	}

	outputs := make([]string, len(spec.Outputs))
	copy(outputs, spec.Outputs)
	sort.Strings(outputs)
	writeUint64(h, uint64(len(outputs)))
	for _, o := range outputs {
		writeLP(h, []byte(o))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeLP(h hash.Hash, b []byte) {
	writeUint64(h, uint64(len(b)))
	h.Write(b)
}

func writeUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
