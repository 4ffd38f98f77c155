package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/taskmesh/taskmesh/internal/core"
)

// computeTaskDefHash hashes the declarative identity fields of a task
// definition: its inputs, outputs, and exec content. This is the DAG's
// canonical node identity, not its per-run cache key.
//
// Determinism rules:
//   - Inputs/outputs are treated as sets for identity and thus sorted.
//   - All fields are length-prefixed to avoid ambiguity.
func computeTaskDefHash(def core.TaskDefinition) TaskDefHash {
	h := sha256.New()

	writeField := func(data []byte) {
		length := uint64(len(data))
		lengthBytes := []byte{
			byte(length >> 56), byte(length >> 48), byte(length >> 40), byte(length >> 32),
			byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length),
		}
		h.Write(lengthBytes)
		h.Write(data)
	}

	inputs := make([]string, len(def.Inputs))
	copy(inputs, def.Inputs)
	sort.Strings(inputs)
	writeField([]byte{byte(len(inputs))})
	for _, in := range inputs {
		writeField([]byte(in))
	}

	outputs := make([]string, len(def.Outputs))
	copy(outputs, def.Outputs)
	sort.Strings(outputs)
	writeField([]byte{byte(len(outputs))})
	for _, out := range outputs {
		writeField([]byte(out))
	}

	writeField([]byte(def.Exec.Content()))

	sum := h.Sum(nil)
	return TaskDefHash(hex.EncodeToString(sum))
}
