package scheduler

import (
	"sync"
	"testing"
)

func TestKeyLockManagerSerializesSameKey(t *testing.T) {
	m := NewKeyLockManager()

	const workers = 8
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock("shared")
				counter++
				m.Unlock("shared")
			}
		}()
	}
	wg.Wait()

	if counter != workers*100 {
		t.Errorf("counter = %d, want %d", counter, workers*100)
	}
}

func TestKeyLockManagerIndependentKeys(t *testing.T) {
	m := NewKeyLockManager()
	m.Lock("a")

	// A different key must not block behind "a".
	done := make(chan struct{})
	go func() {
		m.Lock("b")
		m.Unlock("b")
		close(done)
	}()
	<-done

	m.Unlock("a")
}

func TestKeyLockManagerUnlockUnknownKey(t *testing.T) {
	m := NewKeyLockManager()
	// Unlocking a key never locked must not panic or create state.
	m.Unlock("never-locked")
}
