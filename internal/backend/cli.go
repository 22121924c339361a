package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// CLIAdapter implements Backend by spawning a generator CLI per invocation.
// The generator receives the rendered request on stdin-free argv (-p) and
// must print a single JSON payload on stdout:
//
//	{"success": true, "files": {"path": "content", ...}, "error": ""}
type CLIAdapter struct {
	command string
	args    []string
	workDir string
	procMgr *ProcessManager
}

type cliPayload struct {
	Success bool              `json:"success"`
	Files   map[string]string `json:"files"`
	Error   string            `json:"error"`
}

// NewCLIAdapter creates a subprocess-per-invocation generation adapter.
// The ProcessManager is optional; if nil, subprocesses are not tracked.
func NewCLIAdapter(cfg Config, procMgr *ProcessManager) (*CLIAdapter, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("cli backend requires a command")
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	return &CLIAdapter{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: workDir,
		procMgr: procMgr,
	}, nil
}

// Generate runs the generator CLI and parses its JSON payload.
func (a *CLIAdapter) Generate(ctx context.Context, req Request) (Result, error) {
	args := append(append([]string(nil), a.args...), "-p", renderPrompt(req), "--output-format", "json")

	cmd := newCommand(ctx, a.command, args...)
	cmd.Dir = a.workDir

	start := time.Now()
	stdout, stderr, err := executeCommand(cmd, a.procMgr)
	elapsed := time.Since(start)
	if err != nil {
		return Result{
			Error:    fmt.Sprintf("generator command failed: %v", err),
			Duration: elapsed,
		}, err
	}

	var payload cliPayload
	if err := json.Unmarshal(stdout, &payload); err != nil {
		return Result{
			Error:    fmt.Sprintf("failed to parse generator output: %v (stderr: %s)", err, string(stderr)),
			Duration: elapsed,
		}, fmt.Errorf("failed to parse generator output: %w", err)
	}

	return Result{
		Success:  payload.Success,
		Files:    payload.Files,
		Error:    payload.Error,
		Duration: elapsed,
	}, nil
}

// Close is a no-op for the subprocess-per-invocation model.
func (a *CLIAdapter) Close() error {
	return nil
}

// renderPrompt flattens a request into the generator's prompt format.
func renderPrompt(req Request) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n\n%s\n", req.TaskID, req.Specification)
	if req.ProjectContext != "" {
		fmt.Fprintf(&b, "\nProject context:\n%s\n", req.ProjectContext)
	}
	if len(req.TechStack) > 0 {
		fmt.Fprintf(&b, "\nTech stack: %s\n", strings.Join(req.TechStack, ", "))
	}
	if len(req.Patterns) > 0 {
		fmt.Fprintf(&b, "Patterns: %s\n", strings.Join(req.Patterns, ", "))
	}
	if len(req.Dependencies) > 0 {
		fmt.Fprintf(&b, "Depends on tasks: %s\n", strings.Join(req.Dependencies, ", "))
	}
	if len(req.FileSnapshot) > 0 {
		b.WriteString("\nExisting files:\n")
		paths := make([]string, 0, len(req.FileSnapshot))
		for path := range req.FileSnapshot {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", path, req.FileSnapshot[path])
		}
	}

	return b.String()
}
