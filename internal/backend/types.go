package backend

import "time"

// Request carries the semantic inputs for one generation unit.
// Backends must not mutate it.
type Request struct {
	TaskID         string
	Specification  string
	ProjectContext string
	TechStack      []string
	Dependencies   []string
	Patterns       []string
	FileSnapshot   map[string]string
}

// Result is the outcome of one generation, whether produced by a backend or
// replayed from the cache.
type Result struct {
	Success  bool
	Files    map[string]string // relative path -> content
	Error    string
	Duration time.Duration

	// FromCache marks a result served without invoking the backend.
	// CacheHitCount is the entry's cumulative hit count, for observability.
	FromCache     bool
	CacheHitCount int
}

// Config defines the configuration for a backend.
type Config struct {
	Type    string   // "cli" or "static"
	Command string   // Generator binary for the cli backend
	Args    []string // Default args prepended to every invocation
	WorkDir string   // Working directory for subprocess execution
}
