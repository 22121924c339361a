package scheduler

import (
	"sync"
)

// KeyLockManager provides per-cache-key mutual exclusion so at most one
// generation per key is ever in flight, even when distinct tasks resolve to
// the same key. Uses a keyed mutex: each key gets its own mutex, allowing
// unrelated generations to proceed concurrently.
type KeyLockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-key mutexes
}

// NewKeyLockManager creates a new KeyLockManager.
func NewKeyLockManager() *KeyLockManager {
	return &KeyLockManager{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for the given cache key, creating it on first use.
func (m *KeyLockManager) Lock(key string) {
	m.mu.Lock()
	keyLock, exists := m.locks[key]
	if !exists {
		keyLock = &sync.Mutex{}
		m.locks[key] = keyLock
	}
	m.mu.Unlock()

	// Acquire outside the manager lock to avoid blocking other keys.
	keyLock.Lock()
}

// Unlock releases the mutex for the given cache key.
func (m *KeyLockManager) Unlock(key string) {
	m.mu.Lock()
	keyLock, exists := m.locks[key]
	m.mu.Unlock()

	if exists {
		keyLock.Unlock()
	}
}
