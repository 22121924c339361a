package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/genforge/internal/backend"
	"github.com/aristath/genforge/internal/cache"
	"github.com/aristath/genforge/internal/events"
)

// fakeBackend records every invocation and replies from a canned script.
// Failures are reported through Result.Error with a nil error, so runs do not
// sit in retry backoff.
type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	inFlight  int
	peak      int
	failTasks map[string]bool
	delay     time.Duration
}

func (f *fakeBackend) Generate(ctx context.Context, req backend.Request) (backend.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.TaskID)
	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.failTasks[req.TaskID] {
		return backend.Result{Success: false, Error: "generation failed"}, nil
	}
	return backend.Result{
		Success: true,
		Files:   map[string]string{req.TaskID + ".go": "package " + req.TaskID},
	}, nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestRunner(t *testing.T, fb *fakeBackend, withCache bool) (*Runner, *cache.Store) {
	t.Helper()
	var store *cache.Store
	if withCache {
		var err error
		store, err = cache.Open(t.TempDir(), cache.Options{})
		if err != nil {
			t.Fatalf("opening cache: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}
	return NewRunner(NewCachedExecutor(fb, store, nil), nil, nil), store
}

func diamond() []*Task {
	return []*Task{
		{ID: "root", Specification: "base"},
		{ID: "left", Specification: "left side", Dependencies: []string{"root"}},
		{ID: "right", Specification: "right side", Dependencies: []string{"root"}},
		{ID: "merge", Specification: "join", Dependencies: []string{"left", "right"}},
	}
}

func TestRunAllDiamond(t *testing.T) {
	fb := &fakeBackend{delay: 10 * time.Millisecond}
	runner, _ := newTestRunner(t, fb, false)

	results, err := runner.RunAll(context.Background(), diamond(), RunOptions{
		MaxParallel:  2,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	for id, res := range results {
		if !res.Success {
			t.Errorf("task %s failed: %s", id, res.Error)
		}
	}

	order := fb.callOrder()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["root"] != 0 {
		t.Errorf("root ran at position %d, want first", pos["root"])
	}
	if pos["merge"] != 3 {
		t.Errorf("merge ran at position %d, want last", pos["merge"])
	}
	if fb.peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", fb.peak)
	}
}

func TestRunAllSequential(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, false)

	results, err := runner.RunAll(context.Background(), diamond(), RunOptions{MaxParallel: 1})
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if fb.peak != 1 {
		t.Errorf("peak concurrency = %d, want 1 in sequential mode", fb.peak)
	}

	// Sequential order is fully deterministic.
	want := []string{"root", "left", "right", "merge"}
	got := fb.callOrder()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call order = %v, want %v", got, want)
		}
	}
}

func TestRunAllRejectsCycle(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, false)

	_, err := runner.RunAll(context.Background(), []*Task{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}, RunOptions{})

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("RunAll() error = %v, want *CycleError", err)
	}
	if fb.callCount() != 0 {
		t.Errorf("backend invoked %d times before validation failure, want 0", fb.callCount())
	}
}

func TestRunAllRejectsMissingDependency(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, false)

	_, err := runner.RunAll(context.Background(), []*Task{
		{ID: "a", Dependencies: []string{"ghost"}},
	}, RunOptions{})

	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("RunAll() error = %v, want *ValidationError", err)
	}
	if valErr.MissingDependency != "ghost" {
		t.Errorf("MissingDependency = %q, want ghost", valErr.MissingDependency)
	}
}

func TestRunAllFailureDoesNotAbortSiblings(t *testing.T) {
	fb := &fakeBackend{failTasks: map[string]bool{"bad": true}}
	runner, _ := newTestRunner(t, fb, false)

	results, err := runner.RunAll(context.Background(), []*Task{
		{ID: "bad"},
		{ID: "good1"},
		{ID: "good2"},
	}, RunOptions{MaxParallel: 3, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}

	if results["bad"].Success {
		t.Error("bad should have failed")
	}
	for _, id := range []string{"good1", "good2"} {
		if !results[id].Success {
			t.Errorf("%s failed: %s", id, results[id].Error)
		}
	}
}

func TestRunAllBestEffortRunsDependentsOfFailed(t *testing.T) {
	fb := &fakeBackend{failTasks: map[string]bool{"up": true}}
	runner, _ := newTestRunner(t, fb, false)

	results, err := runner.RunAll(context.Background(), []*Task{
		{ID: "up"},
		{ID: "down", Dependencies: []string{"up"}},
	}, RunOptions{MaxParallel: 2, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}

	if !results["down"].Success {
		t.Errorf("down should have run despite up failing, got error %q", results["down"].Error)
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}
}

func TestRunAllStrictFailsDependentsOfFailed(t *testing.T) {
	fb := &fakeBackend{failTasks: map[string]bool{"up": true}}
	runner, _ := newTestRunner(t, fb, false)

	results, err := runner.RunAll(context.Background(), []*Task{
		{ID: "up"},
		{ID: "down", Dependencies: []string{"up"}},
		{ID: "aside"},
	}, RunOptions{MaxParallel: 2, PollInterval: time.Millisecond, DependencyPolicy: DepStrict})
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}

	if results["down"].Success {
		t.Error("down should have failed under strict dependency policy")
	}
	if got := results["down"].Error; got != "dependencies failed: up" {
		t.Errorf("down error = %q, want dependencies failed: up", got)
	}
	if !results["aside"].Success {
		t.Errorf("aside should not be affected: %s", results["aside"].Error)
	}

	// The backend must never see the skipped task.
	for _, id := range fb.callOrder() {
		if id == "down" {
			t.Error("backend was invoked for a strict-skipped task")
		}
	}
}

func TestRunParallelDeadlockFailsFast(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, false)

	// AddTask accepts a cycle that Validate would reject. Driving the
	// parallel loop directly proves a graph that slips past validation
	// surfaces as a structured error instead of hanging.
	dag := NewDAG()
	mustAdd(t, dag,
		&Task{ID: "a", Dependencies: []string{"b"}},
		&Task{ID: "b", Dependencies: []string{"a"}},
	)

	done := make(chan error, 1)
	go func() {
		_, err := runner.runParallel(context.Background(), dag, RunOptions{
			MaxParallel:  2,
			PollInterval: time.Millisecond,
		})
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runParallel hung instead of detecting the deadlock")
	}

	var dlErr *DeadlockError
	if !errors.As(err, &dlErr) {
		t.Fatalf("runParallel error = %v, want *DeadlockError", err)
	}
	if len(dlErr.Remaining) != 2 {
		t.Errorf("Remaining = %v, want both tasks", dlErr.Remaining)
	}
	if !strings.Contains(err.Error(), "a, b") {
		t.Errorf("error = %q, want the stuck task ids listed", err)
	}
	if fb.callCount() != 0 {
		t.Errorf("backend invoked %d times during a deadlocked run, want 0", fb.callCount())
	}
}

func TestRunAllCancellation(t *testing.T) {
	fb := &fakeBackend{delay: time.Second}
	runner, _ := newTestRunner(t, fb, false)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := runner.RunAll(ctx, []*Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
	}, RunOptions{MaxParallel: 2, PollInterval: time.Millisecond})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunAll() error = %v, want context.Canceled", err)
	}
}

func TestRunAllSecondRunServedFromCache(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, true)

	opts := RunOptions{MaxParallel: 2, PollInterval: time.Millisecond, ProjectContext: "demo project"}
	tasks := []*Task{
		{ID: "t1", Specification: "first"},
		{ID: "t2", Specification: "second", Dependencies: []string{"t1"}},
		{ID: "t3", Specification: "third", Dependencies: []string{"t1"}},
	}

	first, err := runner.RunAll(context.Background(), tasks, opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	for id, res := range first {
		if res.FromCache {
			t.Errorf("task %s served from cache on a cold run", id)
		}
	}
	if fb.callCount() != 3 {
		t.Fatalf("first run invoked backend %d times, want 3", fb.callCount())
	}

	second, err := runner.RunAll(context.Background(), tasks, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	for id, res := range second {
		if !res.Success {
			t.Errorf("task %s failed on warm run: %s", id, res.Error)
		}
		if !res.FromCache {
			t.Errorf("task %s not served from cache on warm run", id)
		}
	}
	if fb.callCount() != 3 {
		t.Errorf("warm run invoked the backend %d extra times, want 0", fb.callCount()-3)
	}
}

func TestRunAllForceBypassesCache(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, true)

	tasks := []*Task{{ID: "t1", Specification: "first"}}
	opts := RunOptions{MaxParallel: 2, PollInterval: time.Millisecond}

	if _, err := runner.RunAll(context.Background(), tasks, opts); err != nil {
		t.Fatal(err)
	}

	opts.Force = true
	results, err := runner.RunAll(context.Background(), tasks, opts)
	if err != nil {
		t.Fatal(err)
	}
	if results["t1"].FromCache {
		t.Error("force run served from cache")
	}
	if fb.callCount() != 2 {
		t.Errorf("backend invoked %d times, want 2", fb.callCount())
	}
}

func TestRunAllSpecChangeRegeneratesUpstreamOnly(t *testing.T) {
	fb := &fakeBackend{}
	runner, _ := newTestRunner(t, fb, true)

	opts := RunOptions{MaxParallel: 1}
	tasks := []*Task{
		{ID: "up", Specification: "v1"},
		{ID: "down", Specification: "stable", Dependencies: []string{"up"}},
	}

	if _, err := runner.RunAll(context.Background(), tasks, opts); err != nil {
		t.Fatal(err)
	}

	// Changing the upstream specification changes its key, forcing a
	// regeneration. The regenerated outputs are byte-identical here, so the
	// dependent's stored dependency hash still matches and it replays.
	tasks[0] = &Task{ID: "up", Specification: "v2"}
	results, err := runner.RunAll(context.Background(), tasks, opts)
	if err != nil {
		t.Fatal(err)
	}

	if results["up"].FromCache {
		t.Error("up unexpectedly served from cache after spec change")
	}
	if !results["down"].FromCache {
		t.Error("down regenerated despite unchanged dependency outputs")
	}
	if fb.callCount() != 3 {
		t.Errorf("backend invoked %d times, want 3 (up twice, down once)", fb.callCount())
	}
}

func TestRunAllPublishesEvents(t *testing.T) {
	fb := &fakeBackend{failTasks: map[string]bool{"bad": true}}
	bus := events.NewBus()
	defer bus.Close()
	taskCh := bus.Subscribe(events.TopicTask, 64)
	runCh := bus.Subscribe(events.TopicRun, 64)

	runner := NewRunner(NewCachedExecutor(fb, nil, nil), bus, nil)
	_, err := runner.RunAll(context.Background(), []*Task{
		{ID: "ok"},
		{ID: "bad"},
	}, RunOptions{MaxParallel: 2, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	started, completed, failed := 0, 0, 0
	for len(taskCh) > 0 {
		switch (<-taskCh).(type) {
		case events.TaskStartedEvent:
			started++
		case events.TaskCompletedEvent:
			completed++
		case events.TaskFailedEvent:
			failed++
		}
	}
	if started != 2 || completed != 1 || failed != 1 {
		t.Errorf("events started/completed/failed = %d/%d/%d, want 2/1/1", started, completed, failed)
	}

	var last events.RunProgressEvent
	for len(runCh) > 0 {
		last = (<-runCh).(events.RunProgressEvent)
	}
	if last.Total != 2 || last.Completed != 1 || last.Failed != 1 {
		t.Errorf("final progress = %+v, want total 2, completed 1, failed 1", last)
	}
}

func TestRunAllManyIndependentTasks(t *testing.T) {
	fb := &fakeBackend{delay: time.Millisecond}
	runner, _ := newTestRunner(t, fb, false)

	var tasks []*Task
	for i := 0; i < 20; i++ {
		tasks = append(tasks, &Task{ID: fmt.Sprintf("task-%02d", i)})
	}

	results, err := runner.RunAll(context.Background(), tasks, RunOptions{
		MaxParallel:  4,
		PollInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 20 {
		t.Fatalf("got %d results, want 20", len(results))
	}
	if fb.peak > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", fb.peak)
	}
}
