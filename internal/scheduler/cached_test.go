package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/genforge/internal/backend"
	"github.com/aristath/genforge/internal/cache"
)

func newCachedExecutor(t *testing.T, fb *fakeBackend) (*CachedExecutor, *cache.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.Open(dir, cache.Options{})
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewCachedExecutor(fb, store, nil), store, dir
}

func TestCachedExecutorMissThenHit(t *testing.T) {
	fb := &fakeBackend{}
	exec, _, _ := newCachedExecutor(t, fb)

	req := backend.Request{TaskID: "t1", Specification: "make widget"}

	first, err := exec.Execute(context.Background(), req, nil, false)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.FromCache {
		t.Error("first execution reported FromCache")
	}
	if fb.callCount() != 1 {
		t.Fatalf("backend invoked %d times, want 1", fb.callCount())
	}

	second, err := exec.Execute(context.Background(), req, nil, false)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.FromCache {
		t.Error("second execution not served from cache")
	}
	if second.Files["t1.go"] != "package t1" {
		t.Errorf("replayed files = %v", second.Files)
	}
	if second.CacheHitCount != 1 {
		t.Errorf("CacheHitCount = %d, want 1", second.CacheHitCount)
	}
	if fb.callCount() != 1 {
		t.Errorf("backend invoked %d times after hit, want still 1", fb.callCount())
	}
}

func TestCachedExecutorFailureNotCached(t *testing.T) {
	fb := &fakeBackend{failTasks: map[string]bool{"t1": true}}
	exec, store, _ := newCachedExecutor(t, fb)

	req := backend.Request{TaskID: "t1", Specification: "doomed"}
	result, err := exec.Execute(context.Background(), req, nil, false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failed result")
	}
	if got := store.GetStats().Entries; got != 0 {
		t.Errorf("cache has %d entries after failed generation, want 0", got)
	}

	// A later attempt must hit the backend again.
	fb.failTasks = nil
	if _, err := exec.Execute(context.Background(), req, nil, false); err != nil {
		t.Fatal(err)
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}
}

func TestCachedExecutorForce(t *testing.T) {
	fb := &fakeBackend{}
	exec, _, _ := newCachedExecutor(t, fb)

	req := backend.Request{TaskID: "t1", Specification: "widget"}
	if _, err := exec.Execute(context.Background(), req, nil, false); err != nil {
		t.Fatal(err)
	}

	result, err := exec.Execute(context.Background(), req, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if result.FromCache {
		t.Error("forced execution served from cache")
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}

	// The forced result was written back and serves the next read.
	result, err = exec.Execute(context.Background(), req, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if !result.FromCache {
		t.Error("post-force execution not served from cache")
	}
}

func TestCachedExecutorDependencyOutputsInvalidate(t *testing.T) {
	fb := &fakeBackend{}
	exec, _, _ := newCachedExecutor(t, fb)

	req := backend.Request{TaskID: "t2", Specification: "uses t1", Dependencies: []string{"t1"}}
	depsV1 := map[string]map[string]string{"t1": {"t1.go": "package t1"}}
	depsV2 := map[string]map[string]string{"t1": {"t1.go": "package t1 // changed"}}

	if _, err := exec.Execute(context.Background(), req, depsV1, false); err != nil {
		t.Fatal(err)
	}

	result, err := exec.Execute(context.Background(), req, depsV2, false)
	if err != nil {
		t.Fatal(err)
	}
	if result.FromCache {
		t.Error("served from cache despite changed dependency outputs")
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}
}

func TestCachedExecutorUnreadableHitRegenerates(t *testing.T) {
	fb := &fakeBackend{}
	exec, _, dir := newCachedExecutor(t, fb)

	req := backend.Request{TaskID: "t1", Specification: "widget"}
	if _, err := exec.Execute(context.Background(), req, nil, false); err != nil {
		t.Fatal(err)
	}

	// Deleting the backing files turns the hit into a miss; the executor must
	// fall through to the backend instead of failing the task.
	if err := os.RemoveAll(filepath.Join(dir, "entries")); err != nil {
		t.Fatal(err)
	}

	result, err := exec.Execute(context.Background(), req, nil, false)
	if err != nil {
		t.Fatalf("execute after cache corruption: %v", err)
	}
	if result.FromCache {
		t.Error("served from cache with missing backing files")
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}
}

func TestCachedExecutorNilStore(t *testing.T) {
	fb := &fakeBackend{}
	exec := NewCachedExecutor(fb, nil, nil)

	req := backend.Request{TaskID: "t1", Specification: "widget"}
	for i := 0; i < 2; i++ {
		result, err := exec.Execute(context.Background(), req, nil, false)
		if err != nil {
			t.Fatal(err)
		}
		if result.FromCache {
			t.Error("FromCache set with no store")
		}
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}
}
