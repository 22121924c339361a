package config

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTLHours:   7 * 24,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:    4,
			PollIntervalMS: 50,
		},
		Backend: BackendConfig{
			Type: "static",
		},
	}
}
