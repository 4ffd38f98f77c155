package core

// TaskConfig is the raw, user-authored task declaration as parsed directly
// out of a package's env.cue, before the Builder resolves dependencies,
// expands environment variables, and canonicalizes paths. Every field here
// is exactly what a user wrote; none of it has been validated against the
// rest of the workspace yet.
type TaskConfig struct {
	Name        string
	Description string
	Command     string
	Script      string
	DependsOn   []string // raw taskref strings, same-package or "pkg:task"
	WorkingDir  string   // relative to the owning package's directory if not absolute
	Shell       string
	Inputs      []string
	Outputs     []string
	Env         map[string]string
	Security    *TaskSecurity
	CacheConfig TaskCacheConfig
	TimeoutSecs int
}

// TaskCacheConfig is the raw cache participation block of a TaskConfig.
type TaskCacheConfig struct {
	Enabled   bool
	Key       string
	EnvFilter []string
}
