package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// StaticAdapter is a deterministic in-process backend used for dry runs and
// tests. It renders one stub file per task from the request fields alone.
type StaticAdapter struct{}

// NewStaticAdapter creates a StaticAdapter.
func NewStaticAdapter() *StaticAdapter {
	return &StaticAdapter{}
}

// Generate produces a single markdown stub describing the task.
func (a *StaticAdapter) Generate(_ context.Context, req Request) (Result, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", req.TaskID, req.Specification)
	if len(req.Dependencies) > 0 {
		fmt.Fprintf(&b, "\nDepends on: %s\n", strings.Join(req.Dependencies, ", "))
	}

	return Result{
		Success:  true,
		Files:    map[string]string{req.TaskID + ".md": b.String()},
		Duration: time.Millisecond,
	}, nil
}

// Close is a no-op.
func (a *StaticAdapter) Close() error {
	return nil
}
