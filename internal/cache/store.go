// Package cache implements the content-addressable generation cache: a
// persistent key->entry store with TTL expiry, least-recently-accessed
// eviction, and targeted invalidation, plus the deterministic key-building
// functions that feed it.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	indexFileName = "index.json"
	entriesDir    = "entries"

	// DefaultTTL is the entry lifetime applied when PutRequest.TTL is zero.
	DefaultTTL = 7 * 24 * time.Hour

	// DefaultMaxEntries bounds the index when Options.MaxEntries is zero.
	DefaultMaxEntries = 1000

	fileMemoSize = 64
	fileMemoTTL  = 5 * time.Minute
)

// Options configures a Store.
type Options struct {
	MaxEntries int           // Capacity bound; <= 0 selects DefaultMaxEntries
	DefaultTTL time.Duration // Applied when a Put does not specify a TTL; <= 0 selects DefaultTTL
	Logger     *slog.Logger  // Defaults to slog.Default()
}

// Store is a durable cache of generation results. All mutating operations
// are serialized with respect to each other and with respect to Get's
// self-healing deletion of entries whose backing files have gone missing.
//
// Layout on disk:
//
//	{dir}/index.json          (all entries' metadata, persisted wholesale)
//	{dir}/entries/{key}/...   (the entry's output files verbatim by relative path)
type Store struct {
	mu         sync.Mutex
	dir        string
	maxEntries int
	defaultTTL time.Duration
	logger     *slog.Logger

	index map[string]*Entry

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64

	// fileMemo short-circuits repeated disk reads for hot entries.
	fileMemo *expirable.LRU[string, map[string]string]
}

// Open creates or reopens a cache store rooted at dir. A corrupt or
// unreadable index is not fatal: the store falls back to empty and logs
// a warning.
func Open(dir string, opts Options) (*Store, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	s := &Store{
		dir:        dir,
		maxEntries: opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		logger:     opts.Logger,
		index:      make(map[string]*Entry),
		fileMemo:   expirable.NewLRU[string, map[string]string](fileMemoSize, nil, fileMemoTTL),
	}

	if err := s.loadIndex(); err != nil {
		s.logger.Warn("cache index unreadable, starting empty", "dir", dir, "error", err)
		s.index = make(map[string]*Entry)
	}

	return s, nil
}

// Close flushes the index to disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistIndex()
}

// Get looks up key. When expectedDependencyHash is non-empty it is compared
// against the stored dependency hash; a mismatch yields Invalid. A Hit bumps
// the entry's access time and hit count. An entry whose backing files are
// missing from disk is purged from the index and reported as a Miss.
func (s *Store) Get(key, expectedDependencyHash string) LookupResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[key]
	if !ok {
		s.misses++
		return LookupResult{Outcome: Miss, Reason: "not cached"}
	}

	// Self-healing: a partial write or out-of-band deletion leaves an index
	// record without backing files. Treat as absent.
	if _, err := os.Stat(s.entryDir(key)); err != nil {
		delete(s.index, key)
		s.fileMemo.Remove(key)
		if err := s.persistIndex(); err != nil {
			s.logger.Warn("failed to persist index after purging orphan entry", "key", key, "error", err)
		}
		s.misses++
		s.logger.Warn("purged cache entry with missing files", "key", key, "task", entry.TaskID)
		return LookupResult{Outcome: Miss, Reason: "backing files missing"}
	}

	if entry.Expired(time.Now()) {
		s.misses++
		return LookupResult{Outcome: Stale, Entry: entry, Reason: "cache expired"}
	}

	if expectedDependencyHash != "" && entry.DependencyHash != expectedDependencyHash {
		s.misses++
		return LookupResult{
			Outcome: Invalid,
			Entry:   entry,
			Reason:  fmt.Sprintf("dependency outputs changed for task %s", entry.TaskID),
		}
	}

	entry.AccessedAt = time.Now()
	entry.HitCount++
	s.hits++
	if err := s.persistIndex(); err != nil {
		s.logger.Warn("failed to persist index after hit", "key", key, "error", err)
	}
	s.logger.Debug("cache hit", "key", key, "task", entry.TaskID, "hits", entry.HitCount)
	return LookupResult{Outcome: Hit, Entry: entry, Reason: "fresh entry"}
}

// PutRequest describes one cache write.
type PutRequest struct {
	Key            string
	TaskID         string
	ContentHash    string
	DependencyHash string
	Files          map[string]string
	TTL            time.Duration     // Zero selects the store default; negative yields an already-expired entry
	Metadata       map[string]string // Should carry MetadataDependencies for reverse invalidation
}

// Put persists files under the key's namespace and records the entry,
// overwriting any prior entry for the same key. At capacity the
// least-recently-accessed entry is evicted first. A failed write leaves the
// in-memory index unchanged.
func (s *Store) Put(req PutRequest) (*Entry, error) {
	if req.Key == "" {
		return nil, errors.New("cache put: empty key")
	}
	if len(req.Files) == 0 {
		return nil, errors.New("cache put: no files")
	}

	clean, err := sanitizeFiles(req.Files)
	if err != nil {
		return nil, fmt.Errorf("cache put %s: %w", req.Key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[req.Key]; !exists && len(s.index) >= s.maxEntries {
		s.evictLeastRecent()
	}

	if err := s.writeEntryFiles(req.Key, clean); err != nil {
		return nil, fmt.Errorf("cache put %s: %w", req.Key, err)
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	paths := make([]string, 0, len(clean))
	for p := range clean {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	now := time.Now()
	entry := &Entry{
		Key:            req.Key,
		TaskID:         req.TaskID,
		ContentHash:    req.ContentHash,
		DependencyHash: req.DependencyHash,
		Files:          paths,
		CreatedAt:      now,
		AccessedAt:     now,
		TTL:            ttl,
		Metadata:       req.Metadata,
	}

	prior, hadPrior := s.index[req.Key]
	s.index[req.Key] = entry
	if err := s.persistIndex(); err != nil {
		// Leave the index as it was; the orphaned file tree self-heals on
		// a later Get.
		if hadPrior {
			s.index[req.Key] = prior
		} else {
			delete(s.index, req.Key)
		}
		return nil, fmt.Errorf("cache put %s: persisting index: %w", req.Key, err)
	}

	s.fileMemo.Remove(req.Key)
	s.logger.Debug("cache put", "key", req.Key, "task", req.TaskID, "files", len(paths))
	return entry, nil
}

// LoadFiles reads an entry's output files back from disk.
func (s *Store) LoadFiles(key string) (map[string]string, error) {
	s.mu.Lock()
	entry, ok := s.index[key]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("cache entry %s not found", key)
	}
	paths := append([]string(nil), entry.Files...)
	dir := s.entryDir(key)
	s.mu.Unlock()

	if files, ok := s.fileMemo.Get(key); ok {
		return files, nil
	}

	files := make(map[string]string, len(paths))
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("reading cached file %s: %w", rel, err)
		}
		files[rel] = string(data)
	}

	s.fileMemo.Add(key, files)
	return files, nil
}

// Invalidate removes the entry for key. Returns true if an entry existed.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

// InvalidateByTask removes every entry owned by taskID.
func (s *Store) InvalidateByTask(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, entry := range s.index {
		if entry.TaskID == taskID && s.removeLocked(key) {
			count++
		}
	}
	return count
}

// InvalidateByDependency removes every entry whose recorded dependency list
// contains dependencyID. This scans the dependents' metadata, not the
// dependency's own entry.
func (s *Store) InvalidateByDependency(dependencyID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, entry := range s.index {
		if entry.dependsOn(dependencyID) && s.removeLocked(key) {
			count++
		}
	}
	return count
}

// CleanupExpired removes every entry whose TTL has elapsed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for key, entry := range s.index {
		if entry.Expired(now) && s.removeLocked(key) {
			count++
		}
	}
	return count
}

// Clear removes all entries.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.index {
		if s.removeLocked(key) {
			count++
		}
	}
	return count
}

// GetStats returns a snapshot of the store's counters and disk usage.
func (s *Store) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Entries:       len(s.index),
		Hits:          s.hits,
		Misses:        s.misses,
		Evictions:     s.evictions,
		Invalidations: s.invalidations,
		DiskUsage:     s.diskUsage(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Entries returns a snapshot of all index entries, for inspection.
func (s *Store) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*Entry, 0, len(s.index))
	for _, entry := range s.index {
		cp := *entry
		entries = append(entries, &cp)
	}
	return entries
}

// removeLocked deletes an entry's files and index record. Caller holds s.mu.
func (s *Store) removeLocked(key string) bool {
	if _, ok := s.index[key]; !ok {
		return false
	}

	delete(s.index, key)
	s.fileMemo.Remove(key)
	s.invalidations++

	if err := os.RemoveAll(s.entryDir(key)); err != nil {
		s.logger.Warn("failed to remove cache entry files", "key", key, "error", err)
	}
	if err := s.persistIndex(); err != nil {
		s.logger.Warn("failed to persist index after invalidation", "key", key, "error", err)
	}
	return true
}

// evictLeastRecent drops the entry with the oldest access time. Ties are
// broken arbitrarily. Caller holds s.mu.
func (s *Store) evictLeastRecent() {
	var victim string
	var oldest time.Time
	for key, entry := range s.index {
		if victim == "" || entry.AccessedAt.Before(oldest) {
			victim = key
			oldest = entry.AccessedAt
		}
	}
	if victim == "" {
		return
	}

	delete(s.index, victim)
	s.fileMemo.Remove(victim)
	s.evictions++
	if err := os.RemoveAll(s.entryDir(victim)); err != nil {
		s.logger.Warn("failed to remove evicted entry files", "key", victim, "error", err)
	}
	s.logger.Debug("cache eviction", "key", victim)
}

// writeEntryFiles stages the entry's files in a temp directory and renames it
// into place, so a crash mid-write never leaves a partial tree at the
// canonical path.
func (s *Store) writeEntryFiles(key string, files map[string]string) error {
	parent := filepath.Join(s.dir, entriesDir)
	tmpDir, err := os.MkdirTemp(parent, "tmp-"+sanitizeID(key)+"-")
	if err != nil {
		return fmt.Errorf("creating temp entry dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmpDir)
		}
	}()

	for rel, content := range files {
		dest := filepath.Join(tmpDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("creating dirs for %s: %w", rel, err)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}

	final := s.entryDir(key)
	_ = os.RemoveAll(final)
	if err := os.Rename(tmpDir, final); err != nil {
		return fmt.Errorf("committing entry files: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) entryDir(key string) string {
	return filepath.Join(s.dir, entriesDir, key)
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, indexFileName)
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parsing index: %w", err)
	}
	for _, entry := range entries {
		s.index[entry.Key] = entry
	}
	return nil
}

// persistIndex writes the whole index atomically. Caller holds s.mu.
func (s *Store) persistIndex() error {
	entries := make([]*Entry, 0, len(s.index))
	for _, entry := range s.index {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling index: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, indexFileName+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.indexPath())
}

func (s *Store) diskUsage() int64 {
	var total int64
	_ = filepath.WalkDir(filepath.Join(s.dir, entriesDir), func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// sanitizeFiles normalizes relative paths and rejects any that would escape
// the entry's namespace. Generated paths are treated as untrusted input.
func sanitizeFiles(files map[string]string) (map[string]string, error) {
	clean := make(map[string]string, len(files))
	for rel, content := range files {
		normalized, err := sanitizeRelPath(rel)
		if err != nil {
			return nil, err
		}
		clean[normalized] = content
	}
	return clean, nil
}

func sanitizeRelPath(rel string) (string, error) {
	if rel == "" {
		return "", errors.New("empty file path")
	}
	slashed := filepath.ToSlash(rel)
	if path.IsAbs(slashed) || strings.HasPrefix(slashed, "/") {
		return "", fmt.Errorf("absolute file path %q not allowed", rel)
	}
	cleaned := path.Clean(slashed)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("file path %q escapes cache namespace", rel)
	}
	return cleaned, nil
}
