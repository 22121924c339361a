// Package scheduler owns the dependency graph of one run, decides which
// tasks may start, bounds concurrency, detects cycles and scheduling
// deadlocks, and aggregates per-task results. Generation itself is delegated
// to a backend through the cache-aware executor.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/genforge/internal/backend"
	"github.com/aristath/genforge/internal/events"
)

// DependencyPolicy decides what happens to a task whose dependency failed.
type DependencyPolicy int

const (
	// DepBestEffort starts the task anyway, leaving it to the task's own
	// generation to reflect the missing dependency. This mirrors the
	// original planner behavior and is the default.
	DepBestEffort DependencyPolicy = iota
	// DepStrict fails the task without invoking the backend when any of its
	// dependencies failed.
	DepStrict
)

const (
	defaultMaxParallel  = 4
	defaultPollInterval = 50 * time.Millisecond
)

// RunOptions configures one run.
type RunOptions struct {
	MaxParallel      int              // Worker pool size; 1 selects sequential mode; <= 0 selects the default
	PollInterval     time.Duration    // Readiness re-scan delay; <= 0 selects the default
	Force            bool             // Bypass cache reads (results are still written back)
	DependencyPolicy DependencyPolicy // Failed-dependency handling
	ProjectContext   string           // Run-level context fed into every cache key
}

// Runner executes a run's tasks under concurrency limits.
type Runner struct {
	exec   *CachedExecutor
	bus    *events.Bus // may be nil
	logger *slog.Logger
}

// NewRunner creates a Runner. The event bus is optional.
func NewRunner(exec *CachedExecutor, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{exec: exec, bus: bus, logger: logger}
}

// RunAll executes every task and returns the aggregated per-task results.
// A returned error (validation, cycle, deadlock, cancellation) means the run
// produced no aggregate: callers must treat it as not-started.
func (r *Runner) RunAll(ctx context.Context, tasks []*Task, opts RunOptions) (map[string]*backend.Result, error) {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultMaxParallel
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	dag := NewDAG()
	for _, task := range tasks {
		if err := dag.AddTask(task); err != nil {
			return nil, err
		}
	}

	// Pre-flight: missing dependency ids and cycles fail before anything runs.
	if _, err := dag.Validate(); err != nil {
		return nil, err
	}

	if opts.MaxParallel == 1 {
		return r.runSequential(ctx, dag, opts)
	}
	return r.runParallel(ctx, dag, opts)
}

// runSequential executes tasks one at a time in a single deterministic
// topological order.
func (r *Runner) runSequential(ctx context.Context, dag *DAG, opts RunOptions) (map[string]*backend.Result, error) {
	order, err := dag.Order()
	if err != nil {
		return nil, err
	}

	for _, taskID := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		exec, _ := dag.Get(taskID)
		if err := dag.MarkStarted(taskID); err != nil {
			return nil, fmt.Errorf("starting task %q: %w", taskID, err)
		}
		r.executeOne(ctx, dag, exec.Task, opts)
	}

	return dag.Results(), nil
}

// runParallel executes tasks with a bounded worker pool. Readiness is
// re-evaluated in a polling loop; the pool size is fixed for the run.
func (r *Runner) runParallel(ctx context.Context, dag *DAG, opts RunOptions) (map[string]*backend.Result, error) {
	var g errgroup.Group
	g.SetLimit(opts.MaxParallel)

	for {
		if dag.AllTerminal() {
			break
		}

		if err := ctx.Err(); err != nil {
			_ = g.Wait()
			return nil, err
		}

		_, inProgress, _, _ := dag.Counts()
		ready := dag.Ready()

		if len(ready) == 0 && inProgress == 0 {
			// Validation passed, nothing runs, yet tasks remain: a graph or
			// state-machine defect, not bad input.
			return nil, &DeadlockError{Remaining: dag.Unfinished()}
		}

		slots := opts.MaxParallel - inProgress
		launched := 0
		for _, task := range ready {
			if launched >= slots {
				break
			}
			if err := dag.MarkStarted(task.ID); err != nil {
				continue
			}
			launched++

			t := task
			g.Go(func() error {
				r.executeOne(ctx, dag, t, opts)
				return nil
			})
		}

		if launched == 0 {
			time.Sleep(opts.PollInterval)
		}
	}

	_ = g.Wait()
	return dag.Results(), nil
}

// executeOne runs a single already-started task to a terminal state and
// publishes progress events. Task failures are recorded, never propagated:
// a failing task must not abort its siblings.
func (r *Runner) executeOne(ctx context.Context, dag *DAG, task *Task, opts RunOptions) {
	start := time.Now()
	r.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		ID:        task.ID,
		Title:     task.Title,
		Timestamp: start,
	})
	r.logger.Debug("task started", "task", task.ID, "title", task.Title)

	if opts.DependencyPolicy == DepStrict {
		if failed := dag.FailedDependencies(task.ID); len(failed) > 0 {
			result := &backend.Result{
				Success: false,
				Error:   fmt.Sprintf("dependencies failed: %s", strings.Join(failed, ", ")),
			}
			r.finish(dag, task, result, time.Since(start))
			return
		}
	}

	req := backend.Request{
		TaskID:         task.ID,
		Specification:  task.Specification,
		ProjectContext: opts.ProjectContext,
		TechStack:      task.TechStack,
		Dependencies:   task.Dependencies,
		Patterns:       task.Patterns,
		FileSnapshot:   task.FileSnapshot,
	}

	result, err := r.exec.Execute(ctx, req, dag.CompletedOutputs(task.ID), opts.Force)
	if err != nil && result.Error == "" {
		result.Error = err.Error()
	}

	r.finish(dag, task, &result, time.Since(start))
}

// finish records a terminal result and emits completion and progress events.
func (r *Runner) finish(dag *DAG, task *Task, result *backend.Result, elapsed time.Duration) {
	now := time.Now()
	if result.Success {
		_ = dag.MarkComplete(task.ID, result)
		r.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			Files:     len(result.Files),
			FromCache: result.FromCache,
			Duration:  elapsed,
			Timestamp: now,
		})
		r.logger.Info("task completed", "task", task.ID, "files", len(result.Files), "cached", result.FromCache, "duration", elapsed)
	} else {
		_ = dag.MarkFailed(task.ID, result)
		r.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Reason:    result.Error,
			Duration:  elapsed,
			Timestamp: now,
		})
		r.logger.Warn("task failed", "task", task.ID, "reason", result.Error, "duration", elapsed)
	}

	queued, running, complete, failed := dag.Counts()
	r.bus.Publish(events.TopicRun, events.RunProgressEvent{
		Total:     queued + running + complete + failed,
		Queued:    queued,
		Running:   running,
		Completed: complete,
		Failed:    failed,
		Timestamp: now,
	})
}
