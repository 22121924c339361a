package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	applyPathDefaults(cfg)
	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.genforge/config.json
// Project: .genforge/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".genforge", "config.json")
	projectPath := filepath.Join(".genforge", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges its non-zero fields
// into the base config. Missing files are silently skipped.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Cache.Dir != "" {
		base.Cache.Dir = loaded.Cache.Dir
	}
	if loaded.Cache.MaxEntries > 0 {
		base.Cache.MaxEntries = loaded.Cache.MaxEntries
	}
	if loaded.Cache.TTLHours > 0 {
		base.Cache.TTLHours = loaded.Cache.TTLHours
	}
	if loaded.Scheduler.MaxParallel > 0 {
		base.Scheduler.MaxParallel = loaded.Scheduler.MaxParallel
	}
	if loaded.Scheduler.PollIntervalMS > 0 {
		base.Scheduler.PollIntervalMS = loaded.Scheduler.PollIntervalMS
	}
	if loaded.Scheduler.StrictDependencies {
		base.Scheduler.StrictDependencies = true
	}
	if loaded.Backend.Type != "" {
		base.Backend = loaded.Backend
	}
	if loaded.HistoryDB != "" {
		base.HistoryDB = loaded.HistoryDB
	}

	return nil
}

// applyPathDefaults fills in conventional locations for paths left empty.
func applyPathDefaults(cfg *Config) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = filepath.Join(homeDir, ".genforge", "cache")
	}
	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(homeDir, ".genforge", "history.db")
	}
}
