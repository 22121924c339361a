package scheduler

import (
	"context"
	"log/slog"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/aristath/genforge/internal/backend"
	"github.com/aristath/genforge/internal/cache"
)

// CachedExecutor decorates a generation backend with the cache store: each
// invocation computes the cache key and dependency hash, attempts a cache
// read, and on miss delegates to the backend and writes a successful result
// back.
type CachedExecutor struct {
	backend backend.Backend
	store   *cache.Store
	locks   *KeyLockManager
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	logger  *slog.Logger
}

// NewCachedExecutor creates a CachedExecutor. The store may be nil, in which
// case every execution goes straight to the backend.
func NewCachedExecutor(b backend.Backend, store *cache.Store, logger *slog.Logger) *CachedExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedExecutor{
		backend: b,
		store:   store,
		locks:   NewKeyLockManager(),
		breaker: newBreaker("generation", logger),
		retry:   DefaultRetryConfig(),
		logger:  logger,
	}
}

// Execute runs one generation through the cache. dependencyResults maps
// dependency task id to that dependency's output files; force bypasses the
// cache read (the result is still written back). At most one execution per
// cache key is in flight at any time.
func (e *CachedExecutor) Execute(ctx context.Context, req backend.Request, dependencyResults map[string]map[string]string, force bool) (backend.Result, error) {
	if e.store == nil {
		return generateWithRetry(ctx, e.backend, req, e.breaker, e.retry)
	}

	key := cache.BuildKey(req.TaskID, req.Specification, req.ProjectContext, req.TechStack, req.Dependencies, req.Patterns, req.FileSnapshot)
	depHash := cache.BuildDependencyHash(req.Dependencies, dependencyResults)

	e.locks.Lock(key)
	defer e.locks.Unlock(key)

	if !force {
		if result, ok := e.replay(key, depHash); ok {
			return result, nil
		}
	}

	result, err := generateWithRetry(ctx, e.backend, req, e.breaker, e.retry)
	if err != nil {
		if result.Error == "" {
			result.Error = err.Error()
		}
		result.Success = false
		return result, err
	}

	// Failed generations are never cached.
	if result.Success && len(result.Files) > 0 {
		_, putErr := e.store.Put(cache.PutRequest{
			Key:            key,
			TaskID:         req.TaskID,
			ContentHash:    cache.HashContent(req.Specification),
			DependencyHash: depHash,
			Files:          result.Files,
			Metadata: map[string]string{
				cache.MetadataDependencies: strings.Join(req.Dependencies, ","),
			},
		})
		if putErr != nil {
			e.logger.Warn("failed to cache generation result", "task", req.TaskID, "error", putErr)
		}
	}

	return result, nil
}

// replay serves a result from the cache on a genuine hit. Returns false on
// any non-hit outcome, including a hit whose files cannot be loaded.
func (e *CachedExecutor) replay(key, depHash string) (backend.Result, bool) {
	lookup := e.store.Get(key, depHash)
	if lookup.Outcome != cache.Hit {
		e.logger.Debug("cache lookup", "key", key, "outcome", lookup.Outcome.String(), "reason", lookup.Reason)
		return backend.Result{}, false
	}

	files, err := e.store.LoadFiles(key)
	if err != nil {
		e.logger.Warn("cache hit but files unreadable, regenerating", "key", key, "error", err)
		return backend.Result{}, false
	}

	return backend.Result{
		Success:       true,
		Files:         files,
		Duration:      0,
		FromCache:     true,
		CacheHitCount: lookup.Entry.HitCount,
	}, true
}
