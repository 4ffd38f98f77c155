package artifacts

import "regexp"

var (
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	logTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)
	unixTimestampRe = regexp.MustCompile(`\b1[5-9]\d{8}\b`)
	durationRe     = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h)\b`)
	pidRe          = regexp.MustCompile(`\bpid[:= ]\d+\b`)
	addrRe         = regexp.MustCompile(`0x[0-9a-fA-F]{6,}`)
)

// DefaultNormalizer strips common nondeterministic substrings (timestamps,
// durations, PIDs, memory addresses) from output content, replacing each
// with a stable placeholder, so two otherwise-identical runs produce
// byte-identical artifacts.
type DefaultNormalizer struct{}

func (DefaultNormalizer) Normalize(content []byte) []byte {
	out := isoTimestampRe.ReplaceAll(content, []byte("<TIMESTAMP>"))
	out = logTimestampRe.ReplaceAll(out, []byte("<TIMESTAMP>"))
	out = unixTimestampRe.ReplaceAll(out, []byte("<UNIX_TS>"))
	out = durationRe.ReplaceAll(out, []byte("<DURATION>"))
	out = pidRe.ReplaceAll(out, []byte("pid <PID>"))
	out = addrRe.ReplaceAll(out, []byte("<ADDR>"))
	return out
}

// RawNormalizer performs no normalization, preserving bit-for-bit content.
// This is the default for artifact harvesting: spec.md's replay guarantee
// (§8 property "Cache round-trip") requires exact bytes, so normalization
// is opt-in only for artifacts whose consumer explicitly wants it.
type RawNormalizer struct{}

func (RawNormalizer) Normalize(content []byte) []byte { return content }
