// Package incremental computes the minimal set of tasks needing rebuild by
// consulting the generation cache, and propagates "changed" status to
// transitive dependents. It runs as a pre-pass outside the live scheduling
// loop.
package incremental

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/genforge/internal/cache"
	"github.com/aristath/genforge/internal/scheduler"
)

// Detector decides which tasks have changed since their last cache write.
type Detector struct {
	store  *cache.Store
	logger *slog.Logger
}

// NewDetector creates a Detector over the given cache store.
func NewDetector(store *cache.Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, logger: logger}
}

// DetectChanges returns, for every task needing a rebuild, a human-readable
// reason. projectContext must match the value the run will use, since it
// participates in every cache key. The graph maps task id to its dependency
// ids. Tasks whose lookup is a hit contribute nothing directly, but are
// added transitively when an upstream task changed.
func (d *Detector) DetectChanges(tasks []*scheduler.Task, projectContext string, graph map[string][]string) map[string]string {
	changed := make(map[string]string)
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	// Direct pass: consult the cache for each task using the cached outputs
	// of its dependencies to reconstruct the expected dependency hash.
	for _, task := range tasks {
		deps := graph[task.ID]
		depHash := cache.BuildDependencyHash(deps, d.cachedOutputs(byID, projectContext, graph, deps))
		key := taskKey(task, projectContext, deps)

		lookup := d.store.Get(key, depHash)
		switch lookup.Outcome {
		case cache.Hit:
			// Unchanged.
		case cache.Miss:
			changed[task.ID] = "not cached"
		case cache.Stale:
			changed[task.ID] = "cache expired"
		case cache.Invalid:
			changed[task.ID] = lookup.Reason
		}
	}

	// Transitive pass: reverse-BFS from every changed task over the
	// dependents relation.
	dependents := invert(graph)
	queue := make([]string, 0, len(changed))
	for taskID := range changed {
		queue = append(queue, taskID)
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		upstream := queue[0]
		queue = queue[1:]
		for _, dependent := range dependents[upstream] {
			if _, seen := changed[dependent]; seen {
				continue
			}
			changed[dependent] = fmt.Sprintf("dependency %s changed", upstream)
			queue = append(queue, dependent)
		}
	}

	d.logger.Debug("change detection complete", "tasks", len(tasks), "changed", len(changed))
	return changed
}

// BuildOrder returns a topologically valid rebuild order for the changed
// subset. Edges to tasks outside the subset are dropped; a cycle within the
// subset is a structured error, never a truncated result.
func (d *Detector) BuildOrder(changed map[string]string, graph map[string][]string) ([]string, error) {
	var edges []toposort.Edge
	for taskID := range changed {
		deps := graph[taskID]
		hasChangedDep := false
		for _, depID := range deps {
			if _, ok := changed[depID]; ok {
				edges = append(edges, toposort.Edge{depID, taskID})
				hasChangedDep = true
			}
		}
		if !hasChangedDep {
			edges = append(edges, toposort.Edge{nil, taskID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("rebuild order contains cycle: %w", err)
	}

	order := make([]string, 0, len(changed))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(changed) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for taskID := range changed {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("rebuild order lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// cachedOutputs loads the cached output files of each dependency, keyed by
// dependency id. Dependencies without a fresh cache entry are skipped; their
// absence shifts the dependency hash deterministically.
func (d *Detector) cachedOutputs(byID map[string]*scheduler.Task, projectContext string, graph map[string][]string, deps []string) map[string]map[string]string {
	outputs := make(map[string]map[string]string)
	for _, depID := range deps {
		dep, ok := byID[depID]
		if !ok {
			continue
		}
		key := taskKey(dep, projectContext, graph[depID])
		if d.store.Get(key, "").Outcome != cache.Hit {
			continue
		}
		files, err := d.store.LoadFiles(key)
		if err != nil {
			d.logger.Warn("failed to load cached dependency outputs", "task", depID, "error", err)
			continue
		}
		outputs[depID] = files
	}
	return outputs
}

func taskKey(task *scheduler.Task, projectContext string, deps []string) string {
	return cache.BuildKey(task.ID, task.Specification, projectContext, task.TechStack, deps, task.Patterns, task.FileSnapshot)
}

func invert(graph map[string][]string) map[string][]string {
	dependents := make(map[string][]string, len(graph))
	for taskID, deps := range graph {
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], taskID)
		}
	}
	for _, list := range dependents {
		sort.Strings(list)
	}
	return dependents
}
