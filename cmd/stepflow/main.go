// Command stepflow runs a workflow definition to completion: inline in
// a single process, or deferred with an in-process worker pool
// draining the durable queue. Storage is in-memory by default and
// sqlite when DATABASE_URL is set, so a deferred run survives a
// restart of the same database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/engine"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
	"github.com/stepflow-run/stepflow/workflow/template"
	"github.com/stepflow-run/stepflow/workflow/timer"
	"github.com/stepflow-run/stepflow/workflow/worker"
)

func main() {
	var (
		workflowFile = flag.String("workflow", "", "Workflow DSL JSON file, or name@vN with -templates (required)")
		templateDir  = flag.String("templates", "", "Template catalog directory for name@vN workflow references")
		contextFile  = flag.String("context", "", "Path to initial context JSON file (default empty context)")
		mode         = flag.String("mode", "inline", "Execution mode: inline or deferred")
		timeout      = flag.Duration("timeout", 5*time.Minute, "Give up waiting for a deferred run after this long")
		verbose      = flag.Bool("verbose", false, "Enable verbose logging to stderr")
	)
	flag.Parse()

	if *workflowFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: stepflow -workflow <file> [-context <file>] [-mode inline|deferred]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	wf, err := resolveWorkflow(*workflowFile, *templateDir)
	if err != nil {
		log.Fatalf("Failed to load workflow: %v", err)
	}
	initCtx, err := loadContext(*contextFile)
	if err != nil {
		log.Fatalf("Failed to load context: %v", err)
	}

	env := envConfig()
	registerBuiltinResources()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var result map[string]any
	switch *mode {
	case "inline":
		result, err = runInline(ctx, wf, initCtx, env, logger)
	case "deferred":
		result, err = runDeferred(ctx, wf, initCtx, env, logger, *timeout)
	default:
		log.Fatalf("Unknown mode %q (want inline or deferred)", *mode)
	}
	if err != nil {
		log.Fatalf("Run failed: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("Failed to render result: %v", err)
	}
	fmt.Println(string(out))
}

// resolveWorkflow accepts either a JSON file path or, when a template
// directory is configured, a name@vN reference into the catalog.
func resolveWorkflow(ref, templateDir string) (*dsl.Workflow, error) {
	if templateDir != "" {
		if name, version, ok := parseTemplateRef(ref); ok {
			catalog := template.NewCache(template.NewFileCatalog(templateDir))
			tpl, err := catalog.GetTemplate(context.Background(), name, version)
			if err != nil {
				return nil, err
			}
			return template.Workflow(tpl)
		}
	}
	return loadWorkflow(ref)
}

// parseTemplateRef splits "name@vN" into (name, N).
func parseTemplateRef(ref string) (string, int, bool) {
	at := strings.LastIndex(ref, "@v")
	if at <= 0 {
		return "", 0, false
	}
	version, err := strconv.Atoi(ref[at+2:])
	if err != nil {
		return "", 0, false
	}
	return ref[:at], version, true
}

func loadWorkflow(path string) (*dsl.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var wf dsl.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, wf.Validate()
}

func loadContext(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ctx map[string]any
	if err := json.Unmarshal(data, &ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// openStorage picks the backend from DATABASE_URL: a sqlite DSN means
// durable storage, empty means in-memory.
func openStorage(env env, logger *slog.Logger) (storage.Storage, storage.TransactionManager, error) {
	if env.DatabaseURL == "" {
		mem := storage.NewMemory()
		return mem, mem, nil
	}
	logger.Info("using sqlite storage", slog.String("dsn", env.DatabaseURL))
	db, err := storage.OpenSQLite(env.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return db, db, nil
}

func newEngine(store storage.Storage, txm storage.TransactionManager, q queue.Service, bus *events.Bus, logger *slog.Logger) *engine.Engine {
	return engine.New(store, txm, q, timer.NewService(store), resource.Global{}, bus, logger)
}

func runInline(ctx context.Context, wf *dsl.Workflow, initCtx map[string]any, env env, logger *slog.Logger) (map[string]any, error) {
	store, txm, err := openStorage(env, logger)
	if err != nil {
		return nil, err
	}
	bus := events.New(256)
	e := newEngine(store, txm, queue.NewMemoryQueue(queue.DefaultConfig()), bus, logger)

	runID, err := e.Start(ctx, wf, initCtx, storage.ModeInline)
	if err != nil {
		return nil, err
	}
	exec, err := store.GetExecution(ctx, runID)
	if err != nil {
		return nil, err
	}
	logger.Info("run finished", slog.String("run_id", runID), slog.String("status", string(exec.Status)))
	if exec.Status != storage.ExecutionCompleted {
		return exec.Result, fmt.Errorf("run %s ended %s", runID, exec.Status)
	}
	return exec.Result, nil
}

func runDeferred(ctx context.Context, wf *dsl.Workflow, initCtx map[string]any, env env, logger *slog.Logger, timeoutAfter time.Duration) (map[string]any, error) {
	store, txm, err := openStorage(env, logger)
	if err != nil {
		return nil, err
	}
	qcfg := queue.DefaultConfig()
	q := queue.NewHybridQueue(qcfg, store)
	bus := events.New(256)
	e := newEngine(store, txm, q, bus, logger)

	// Background services: the timer poller resumes waits and retry
	// backoffs, the reaper reclaims stale tasks, and the subflow
	// watcher reports Parallel/Map children. In event_driven mode the
	// gateway's signals carry completions; polling mode leans on the
	// watcher cadence alone.
	go timer.NewPoller(timer.DefaultConfig(), store, e, logger).Run(ctx)
	go queue.NewReaper(q, qcfg.ReapInterval, []string{e.QueueName}, logger).Run(ctx)
	watchInterval := 500 * time.Millisecond
	if env.ExecMode == "polling" {
		watchInterval = 200 * time.Millisecond
	}
	go engine.NewSubflowWatcher(e, watchInterval, logger).Run(ctx)

	pool := worker.New(worker.Config{
		WorkerID:    env.WorkerID,
		QueueName:   e.QueueName,
		Concurrency: env.Concurrency,
		PollTimeout: time.Second,
	}, q, engine.NewTaskGateway(q, e), resource.Global{}, logger)
	go pool.Run(ctx)

	if env.GatewayURL != "" {
		logger.Info("external workers expected via gateway", slog.String("gateway", env.GatewayURL))
	}

	runID, err := e.Start(ctx, wf, initCtx, storage.ModeDeferred)
	if err != nil {
		return nil, err
	}
	logger.Info("run started", slog.String("run_id", runID), slog.String("worker_id", env.WorkerID))

	deadline := time.NewTimer(timeoutAfter)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			if cerr := e.Cancel(context.Background(), runID, "interrupted"); cerr != nil {
				logger.Error("cancel failed", "run_id", runID, "error", cerr)
			}
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("run %s still not terminal after %s", runID, timeoutAfter)
		case <-tick.C:
			exec, err := store.GetExecution(ctx, runID)
			if err != nil {
				return nil, err
			}
			switch exec.Status {
			case storage.ExecutionCompleted:
				return exec.Result, nil
			case storage.ExecutionFailed, storage.ExecutionCancelled:
				return exec.Result, fmt.Errorf("run %s ended %s", runID, exec.Status)
			}
		}
	}
}
