package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/genforge/internal/backend"
	"github.com/aristath/genforge/internal/cache"
	"github.com/aristath/genforge/internal/config"
	"github.com/aristath/genforge/internal/events"
	"github.com/aristath/genforge/internal/history"
	"github.com/aristath/genforge/internal/incremental"
	"github.com/aristath/genforge/internal/logging"
	"github.com/aristath/genforge/internal/scheduler"
)

// plan is the document produced by the upstream planning step.
type plan struct {
	ProjectContext string     `json:"project_context"`
	Tasks          []planTask `json:"tasks"`
}

type planTask struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Specification string   `json:"specification"`
	Dependencies  []string `json:"dependencies"`
	Priority      int      `json:"priority"`
	TechStack     []string `json:"tech_stack"`
	Patterns      []string `json:"patterns"`
}

func main() {
	force := flag.Bool("force", false, "bypass cache reads and regenerate everything")
	incrementalOnly := flag.Bool("incremental", false, "run only tasks whose inputs or upstream outputs changed")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: genforge [-force] [-incremental] [-v] <plan.json>")
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *force, *incrementalOnly, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(planPath string, force, incrementalOnly, verbose bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, logFile, err := logging.Init(verbose, "")
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pm := backend.NewProcessManager()
	go func() {
		<-ctx.Done()
		_ = pm.KillAll()
	}()

	store, err := cache.Open(cfg.Cache.Dir, cache.Options{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: time.Duration(cfg.Cache.TTLHours) * time.Hour,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	hist, err := history.Open(ctx, cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	gen, err := backend.New(backend.Config{
		Type:    cfg.Backend.Type,
		Command: cfg.Backend.Command,
		Args:    cfg.Backend.Args,
	}, pm)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	defer gen.Close()

	p, tasks, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	if incrementalOnly {
		tasks, err = restrictToChanged(store, logger, p.ProjectContext, tasks)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("Nothing to do: all tasks are up to date.")
			return nil
		}
	}

	bus := events.NewBus()
	defer bus.Close()
	go reportProgress(bus.Subscribe(events.TopicTask, 0))

	policy := scheduler.DepBestEffort
	if cfg.Scheduler.StrictDependencies {
		policy = scheduler.DepStrict
	}

	runner := scheduler.NewRunner(scheduler.NewCachedExecutor(gen, store, logger), bus, logger)
	started := time.Now()
	results, err := runner.RunAll(ctx, tasks, scheduler.RunOptions{
		MaxParallel:      cfg.Scheduler.MaxParallel,
		PollInterval:     time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		Force:            force,
		DependencyPolicy: policy,
		ProjectContext:   p.ProjectContext,
	})
	if err != nil {
		return err
	}

	saveHistory(ctx, hist, p.ProjectContext, started, results, logger)
	printSummary(results, store)
	return nil
}

func loadPlan(path string) (*plan, []*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading plan: %w", err)
	}

	var p plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("parsing plan: %w", err)
	}

	tasks := make([]*scheduler.Task, 0, len(p.Tasks))
	for _, pt := range p.Tasks {
		tasks = append(tasks, &scheduler.Task{
			ID:            pt.ID,
			Title:         pt.Title,
			Specification: pt.Specification,
			Dependencies:  pt.Dependencies,
			Priority:      pt.Priority,
			TechStack:     pt.TechStack,
			Patterns:      pt.Patterns,
		})
	}
	return &p, tasks, nil
}

// restrictToChanged shrinks the task set to what the change detector says
// needs rebuilding, after checking the changed subset orders cleanly.
func restrictToChanged(store *cache.Store, logger *slog.Logger, projectContext string, tasks []*scheduler.Task) ([]*scheduler.Task, error) {
	graph := make(map[string][]string, len(tasks))
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, task := range tasks {
		graph[task.ID] = task.Dependencies
		byID[task.ID] = task
	}

	detector := incremental.NewDetector(store, logger)
	changed := detector.DetectChanges(tasks, projectContext, graph)
	if _, err := detector.BuildOrder(changed, graph); err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return nil, nil
	}
	for taskID, reason := range changed {
		logger.Info("task needs rebuild", "task", taskID, "reason", reason)
	}

	// Unchanged dependencies of changed tasks ride along so the graph stays
	// closed; their executions replay from the cache.
	include := make(map[string]bool, len(changed))
	var visit func(string)
	visit = func(taskID string) {
		if include[taskID] {
			return
		}
		include[taskID] = true
		for _, depID := range graph[taskID] {
			visit(depID)
		}
	}
	for taskID := range changed {
		visit(taskID)
	}

	subset := make([]*scheduler.Task, 0, len(include))
	for _, task := range tasks {
		if include[task.ID] {
			subset = append(subset, task)
		}
	}
	return subset, nil
}

func reportProgress(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.TaskCompletedEvent:
			source := "generated"
			if e.FromCache {
				source = "cache"
			}
			fmt.Printf("  done  %-20s %d files (%s, %s)\n", e.ID, e.Files, source, e.Duration.Round(time.Millisecond))
		case events.TaskFailedEvent:
			fmt.Printf("  FAIL  %-20s %s\n", e.ID, e.Reason)
		}
	}
}

func saveHistory(ctx context.Context, hist *history.Store, projectContext string, started time.Time, results map[string]*backend.Result, logger *slog.Logger) {
	completed, failed := 0, 0
	records := make([]history.TaskRecord, 0, len(results))
	runID := history.NewRunID()
	for taskID, res := range results {
		status := "complete"
		if res.Success {
			completed++
		} else {
			status = "failed"
			failed++
		}
		records = append(records, history.TaskRecord{
			RunID:     runID,
			TaskID:    taskID,
			Status:    status,
			FromCache: res.FromCache,
			Files:     len(res.Files),
			Duration:  res.Duration,
			Error:     res.Error,
		})
	}

	err := hist.SaveRun(ctx, history.Run{
		ID:             runID,
		ProjectContext: projectContext,
		StartedAt:      started,
		FinishedAt:     time.Now(),
		Total:          len(results),
		Completed:      completed,
		Failed:         failed,
	}, records)
	if err != nil {
		logger.Warn("failed to record run history", "error", err)
	}
}

func printSummary(results map[string]*backend.Result, store *cache.Store) {
	completed, failed, cached := 0, 0, 0
	for _, res := range results {
		if res.Success {
			completed++
			if res.FromCache {
				cached++
			}
		} else {
			failed++
		}
	}

	stats := store.GetStats()
	fmt.Printf("\n%d tasks: %d completed (%d from cache), %d failed\n", len(results), completed, cached, failed)
	fmt.Printf("cache: %d entries, %.0f%% hit rate, %d bytes on disk\n", stats.Entries, stats.HitRate*100, stats.DiskUsage)
}
