package cachekey

import "path/filepath"

// EnvFilter selects which environment variables participate in cache-key
// computation, mirroring internal/config.EnvFilter without importing it (to
// avoid a dependency cycle with callers that build Spec from config directly).
type EnvFilter struct {
	Include      []string
	Exclude      []string
	SmartDefault bool
}

// smartDefaultExcludes are environment variables that vary run-to-run
// without affecting task output (PIDs, terminal state, timestamps) and are
// dropped automatically when SmartDefault is set, even if not explicitly
// excluded.
var smartDefaultExcludes = []string{
	"PWD", "OLDPWD", "SHLVL", "_", "PS1", "PS2",
	"TERM_SESSION_ID", "WINDOWID", "XDG_SESSION_ID",
}

// Filter returns the subset of env matching Include globs (or all keys if
// Include is empty) minus any matching Exclude globs or, when SmartDefault
// is set, the built-in noisy-variable list.
func Filter(env map[string]string, f EnvFilter) map[string]string {
	out := make(map[string]string)
	for k, v := range env {
		if len(f.Include) > 0 && !matchesAny(f.Include, k) {
			continue
		}
		if matchesAny(f.Exclude, k) {
			continue
		}
		if f.SmartDefault && matchesAny(smartDefaultExcludes, k) {
			continue
		}
		out[k] = v
	}
	return out
}

func matchesAny(patterns []string, s string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, s); err == nil && ok {
			return true
		}
		if p == s {
			return true
		}
	}
	return false
}
