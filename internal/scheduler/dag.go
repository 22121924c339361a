package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/toposort"

	"github.com/aristath/genforge/internal/backend"
)

// DAG tracks the dependency graph of one run's tasks and their execution
// state. All state transitions go through the DAG, which is safe for
// concurrent use by the runner's worker goroutines.
type DAG struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	dependents map[string][]string // taskID -> tasks that depend on it
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		executions: make(map[string]*Execution),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task in the Queued state. Returns an error if the id is
// already present.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.executions[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	d.executions[task.ID] = &Execution{Task: cloneTask(task), Status: StatusQueued}

	for _, depID := range task.Dependencies {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// Validate verifies every referenced dependency exists and the graph is
// acyclic. Returns a topologically ordered list of task ids.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for taskID, exec := range d.executions {
		for _, depID := range exec.Task.Dependencies {
			if _, exists := d.executions[depID]; !exists {
				return nil, &ValidationError{TaskID: taskID, MissingDependency: depID}
			}
		}
	}

	var edges []toposort.Edge
	for taskID, exec := range d.executions {
		if len(exec.Task.Dependencies) == 0 {
			// Edge from nil keeps dependency-free tasks in the sort.
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range exec.Task.Dependencies {
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CycleError{Err: err}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(d.executions) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range d.executions {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Order computes a deterministic topological order with Kahn's algorithm,
// breaking ties by ascending priority, then task id. Used for sequential runs.
func (d *DAG) Order() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.executions))
	for taskID, exec := range d.executions {
		for _, depID := range exec.Task.Dependencies {
			if _, exists := d.executions[depID]; !exists {
				return nil, &ValidationError{TaskID: taskID, MissingDependency: depID}
			}
		}
		inDegree[taskID] = len(exec.Task.Dependencies)
	}

	ready := make([]string, 0, len(inDegree))
	for taskID, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, taskID)
		}
	}

	order := make([]string, 0, len(d.executions))
	for len(ready) > 0 {
		d.sortByPriority(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range d.dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(d.executions) {
		var stuck []string
		for taskID, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, taskID)
			}
		}
		sort.Strings(stuck)
		return nil, &CycleError{Err: fmt.Errorf("unresolvable tasks: %s", strings.Join(stuck, ", "))}
	}

	return order, nil
}

// Ready returns queued tasks whose dependencies have all reached a terminal
// state, sorted by ascending priority with a stable task-id tie-break.
// A failed dependency still counts as terminal; downstream start policy is
// the runner's concern.
func (d *DAG) Ready() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []string
	for taskID, exec := range d.executions {
		if exec.Status != StatusQueued {
			continue
		}

		allTerminal := true
		for _, depID := range exec.Task.Dependencies {
			dep, exists := d.executions[depID]
			if !exists || !dep.Status.Terminal() {
				allTerminal = false
				break
			}
		}

		if allTerminal {
			ready = append(ready, taskID)
		}
	}

	d.sortByPriority(ready)

	tasks := make([]*Task, 0, len(ready))
	for _, taskID := range ready {
		tasks = append(tasks, cloneTask(d.executions[taskID].Task))
	}
	return tasks
}

// sortByPriority orders task ids by ascending priority, then id.
// Caller holds at least a read lock.
func (d *DAG) sortByPriority(taskIDs []string) {
	sort.Slice(taskIDs, func(i, j int) bool {
		a, b := d.executions[taskIDs[i]], d.executions[taskIDs[j]]
		if a.Task.Priority != b.Task.Priority {
			return a.Task.Priority < b.Task.Priority
		}
		return a.Task.ID < b.Task.ID
	})
}

// MarkStarted transitions a task to InProgress.
func (d *DAG) MarkStarted(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	exec, exists := d.executions[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if exec.Status != StatusQueued {
		return fmt.Errorf("task %q cannot start from status %s", taskID, exec.Status)
	}

	exec.Status = StatusInProgress
	exec.StartedAt = time.Now()
	return nil
}

// MarkComplete transitions a task to Complete and records its result.
func (d *DAG) MarkComplete(taskID string, result *backend.Result) error {
	return d.markTerminal(taskID, StatusComplete, result)
}

// MarkFailed transitions a task to Failed and records its result.
func (d *DAG) MarkFailed(taskID string, result *backend.Result) error {
	return d.markTerminal(taskID, StatusFailed, result)
}

func (d *DAG) markTerminal(taskID string, status Status, result *backend.Result) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	exec, exists := d.executions[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	if exec.Status != StatusInProgress {
		return fmt.Errorf("task %q cannot finish from status %s", taskID, exec.Status)
	}

	exec.Status = status
	exec.Result = result
	exec.CompletedAt = time.Now()
	return nil
}

// Get returns a copy of the execution for taskID.
func (d *DAG) Get(taskID string) (*Execution, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	exec, exists := d.executions[taskID]
	if !exists {
		return nil, false
	}
	cp := *exec
	cp.Task = cloneTask(exec.Task)
	return &cp, true
}

// Counts returns the number of tasks per lifecycle bucket.
func (d *DAG) Counts() (queued, inProgress, complete, failed int) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, exec := range d.executions {
		switch exec.Status {
		case StatusQueued:
			queued++
		case StatusInProgress:
			inProgress++
		case StatusComplete:
			complete++
		case StatusFailed:
			failed++
		}
	}
	return
}

// AllTerminal reports whether every task has completed or failed.
func (d *DAG) AllTerminal() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, exec := range d.executions {
		if !exec.Status.Terminal() {
			return false
		}
	}
	return true
}

// Unfinished returns the ids of tasks not yet in a terminal state.
func (d *DAG) Unfinished() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for taskID, exec := range d.executions {
		if !exec.Status.Terminal() {
			ids = append(ids, taskID)
		}
	}
	return ids
}

// CompletedOutputs returns the output files of every successfully completed
// dependency of taskID, keyed by dependency id. Used for dependency hashing.
func (d *DAG) CompletedOutputs(taskID string) map[string]map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	exec, exists := d.executions[taskID]
	if !exists {
		return nil
	}

	outputs := make(map[string]map[string]string)
	for _, depID := range exec.Task.Dependencies {
		dep, ok := d.executions[depID]
		if !ok || dep.Status != StatusComplete || dep.Result == nil {
			continue
		}
		outputs[depID] = dep.Result.Files
	}
	return outputs
}

// Results aggregates every terminal task's result.
func (d *DAG) Results() map[string]*backend.Result {
	d.mu.RLock()
	defer d.mu.RUnlock()

	results := make(map[string]*backend.Result, len(d.executions))
	for taskID, exec := range d.executions {
		if exec.Result != nil {
			results[taskID] = exec.Result
		}
	}
	return results
}

// FailedDependencies returns the ids of taskID's dependencies that failed.
func (d *DAG) FailedDependencies(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	exec, exists := d.executions[taskID]
	if !exists {
		return nil
	}

	var failed []string
	for _, depID := range exec.Task.Dependencies {
		if dep, ok := d.executions[depID]; ok && dep.Status == StatusFailed {
			failed = append(failed, depID)
		}
	}
	return failed
}
