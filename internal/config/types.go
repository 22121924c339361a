package config

// CacheConfig controls the generation cache store.
type CacheConfig struct {
	Dir        string `json:"dir,omitempty"`         // Cache root; empty selects ~/.genforge/cache
	MaxEntries int    `json:"max_entries,omitempty"` // Capacity bound before LRU eviction
	TTLHours   int    `json:"ttl_hours,omitempty"`   // Default entry lifetime
}

// SchedulerConfig controls run execution.
type SchedulerConfig struct {
	MaxParallel        int  `json:"max_parallel,omitempty"`     // Worker pool size; 1 means sequential
	PollIntervalMS     int  `json:"poll_interval_ms,omitempty"` // Readiness re-scan delay
	StrictDependencies bool `json:"strict_dependencies"`        // Fail tasks whose dependencies failed
}

// BackendConfig selects and configures the generation backend.
type BackendConfig struct {
	Type    string   `json:"type"`              // "cli" or "static"
	Command string   `json:"command,omitempty"` // Generator binary for the cli backend
	Args    []string `json:"args,omitempty"`    // Default args prepended to every invocation
}

// Config is the top-level configuration.
type Config struct {
	Cache     CacheConfig     `json:"cache"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Backend   BackendConfig   `json:"backend"`
	HistoryDB string          `json:"history_db,omitempty"` // SQLite path; empty selects ~/.genforge/history.db
}
