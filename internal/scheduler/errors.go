package scheduler

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports a task referencing a dependency id that does not
// exist in the run.
type ValidationError struct {
	TaskID            string
	MissingDependency string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.MissingDependency)
}

// CycleError reports a circular dependency in the task graph.
type CycleError struct {
	Err error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency graph contains cycle: %v", e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// DeadlockError reports a run where no task is ready and none is in flight,
// yet unfinished tasks remain. Distinct from ValidationError because it can
// indicate a scheduler defect rather than bad input.
type DeadlockError struct {
	Remaining []string
}

func (e *DeadlockError) Error() string {
	sorted := append([]string(nil), e.Remaining...)
	sort.Strings(sorted)
	return fmt.Sprintf("scheduling deadlock: no task ready and none running, %d unfinished: %s",
		len(sorted), strings.Join(sorted, ", "))
}
