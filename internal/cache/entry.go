package cache

import (
	"strings"
	"time"
)

// MetadataDependencies is the metadata key holding the comma-separated list
// of dependency task ids, used for reverse invalidation lookups.
const MetadataDependencies = "dependencies"

// Entry is the metadata record for one cached generation result.
// File contents live on disk under the entry's key-scoped directory;
// the index document holds only relative paths.
type Entry struct {
	Key            string            `json:"key"`
	TaskID         string            `json:"task_id"`
	ContentHash    string            `json:"content_hash"`
	DependencyHash string            `json:"dependency_hash"`
	Files          []string          `json:"files"`
	CreatedAt      time.Time         `json:"created_at"`
	AccessedAt     time.Time         `json:"accessed_at"`
	TTL            time.Duration     `json:"ttl"`
	HitCount       int               `json:"hit_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// DependencyIDs returns the dependency task ids recorded in the entry's
// metadata, or nil if none were recorded.
func (e *Entry) DependencyIDs() []string {
	raw, ok := e.Metadata[MetadataDependencies]
	if !ok || raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (e *Entry) dependsOn(dependencyID string) bool {
	for _, id := range e.DependencyIDs() {
		if id == dependencyID {
			return true
		}
	}
	return false
}

// Outcome classifies a cache lookup.
type Outcome int

const (
	Miss    Outcome = iota // No usable entry exists
	Hit                    // Fresh entry with matching dependency hash
	Stale                  // Entry exists but its TTL has elapsed
	Invalid                // Fresh entry whose dependency hash no longer matches
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// LookupResult is the outcome of a Get, with the entry (when one exists,
// usable or not) and a human-readable reason.
type LookupResult struct {
	Outcome Outcome
	Entry   *Entry
	Reason  string
}

// Stats is a snapshot of process-wide cache counters.
type Stats struct {
	Entries       int
	Hits          int64
	Misses        int64
	Evictions     int64
	Invalidations int64
	HitRate       float64
	DiskUsage     int64
}
