package scheduler

import (
	"time"

	"github.com/aristath/genforge/internal/backend"
)

// Status represents the current state of a task execution.
// Transitions: Queued -> InProgress -> {Complete, Failed}.
type Status int

const (
	StatusQueued     Status = iota // Waiting for dependencies
	StatusInProgress               // Currently executing
	StatusComplete                 // Finished successfully
	StatusFailed                   // Finished with error
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusInProgress:
		return "in_progress"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the status is Complete or Failed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Task is the immutable description of one unit of generation work.
// Created once per run by an upstream planning step; never mutated.
type Task struct {
	ID            string            // Unique identifier within the run
	Title         string            // Human-readable name
	Specification string            // Free-text description of what to generate
	Dependencies  []string          // Task ids that must reach a terminal state first
	Priority      int               // Lower sorts first at scheduling ties
	TechStack     []string          // Languages/frameworks hints
	Patterns      []string          // Pattern identifiers consumed as hints
	FileSnapshot  map[string]string // Relevant existing files at planning time
}

// Execution is the mutable run-time wrapper around a Task. It is owned
// exclusively by the runner for the lifetime of one run.
type Execution struct {
	Task        *Task
	Status      Status
	Result      *backend.Result
	StartedAt   time.Time
	CompletedAt time.Time
}

// Duration returns the wall-clock time the execution took, or zero if it has
// not completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.Dependencies != nil {
		cp.Dependencies = append([]string(nil), task.Dependencies...)
	}
	if task.TechStack != nil {
		cp.TechStack = append([]string(nil), task.TechStack...)
	}
	if task.Patterns != nil {
		cp.Patterns = append([]string(nil), task.Patterns...)
	}
	if task.FileSnapshot != nil {
		cp.FileSnapshot = make(map[string]string, len(task.FileSnapshot))
		for k, v := range task.FileSnapshot {
			cp.FileSnapshot[k] = v
		}
	}
	return &cp
}
