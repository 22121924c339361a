// Package backend defines the boundary to the opaque generation service and
// the adapters that implement it.
package backend

import (
	"context"
	"fmt"
)

// Backend turns a generation request into a set of output files.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Generate produces the files for one task. A failed generation is
	// reported through Result.Success/Result.Error; the error return is
	// reserved for invocation-level failures (process spawn, malformed
	// output, cancellation).
	Generate(ctx context.Context, req Request) (Result, error)

	// Close releases any resources held by the adapter.
	Close() error
}

// New creates a backend from configuration. The concrete type is selected
// once here; callers dispatch only through the interface.
func New(cfg Config, pm *ProcessManager) (Backend, error) {
	switch cfg.Type {
	case "cli":
		return NewCLIAdapter(cfg, pm)
	case "static":
		return NewStaticAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
