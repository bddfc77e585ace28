package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow-run/stepflow/workflow/handler"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// SubflowWatcher polls for Deferred-mode child runs that have reached
// a terminal status and delivers each one exactly once to its parent's
// fan-out state via Engine.SubflowFinished. Deferred-mode children
// finish out of band, so a watcher owns their completion the way
// workflow/timer.Poller owns due timers, scanning on a ticker.
type SubflowWatcher struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	notified map[string]struct{} // child RunID -> already delivered
}

func NewSubflowWatcher(e *Engine, interval time.Duration, logger *slog.Logger) *SubflowWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubflowWatcher{engine: e, interval: interval, logger: logger, notified: make(map[string]struct{})}
}

// Run blocks until ctx is cancelled, ticking every w.interval.
func (w *SubflowWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				w.logger.Error("subflow watch tick failed", "error", err)
			}
		}
	}
}

// Tick scans every run with a ParentRunID set whose status is
// terminal and, for each not yet delivered, calls SubflowFinished.
// Exported so tests and callers can drive it deterministically.
func (w *SubflowWatcher) Tick(ctx context.Context) error {
	execs, err := w.engine.Storage.FindExecutions(ctx, 0, 0)
	if err != nil {
		return err
	}
	for _, child := range execs {
		if child.ParentRunID == "" {
			continue
		}
		if !isTerminalStatus(child.Status) {
			continue
		}
		w.mu.Lock()
		_, done := w.notified[child.RunID]
		w.mu.Unlock()
		if done {
			continue
		}

		result := handler.SubflowResult{
			ChildRunID:  child.RunID,
			BranchIndex: w.branchIndexOf(ctx, child),
			Succeeded:   child.Status == storage.ExecutionCompleted,
			Output:      child.Result,
		}
		if !result.Succeeded {
			result.Error = child.Result
		}

		if err := w.engine.SubflowFinished(ctx, result, child.ParentRunID, child.ParentStateName); err != nil {
			w.logger.Error("deliver subflow result failed", "child_run_id", child.RunID, "error", err)
			continue
		}
		w.mu.Lock()
		w.notified[child.RunID] = struct{}{}
		w.mu.Unlock()
	}
	return nil
}

// branchIndexOf recovers the branch index child was started with by
// matching its RunID against its parent fan-out state's persisted
// run_ids bookkeeping, since Execution itself carries no BranchIndex
// field of its own.
func (w *SubflowWatcher) branchIndexOf(ctx context.Context, child *storage.Execution) int {
	states, err := w.engine.Storage.FindStatesByRunID(ctx, child.ParentRunID, 0, 0)
	if err != nil {
		return -1
	}
	var latest *storage.StateVisit
	for _, sv := range states {
		if sv.StateName != child.ParentStateName {
			continue
		}
		if latest == nil || sv.StartedAt.After(latest.StartedAt) {
			latest = sv
		}
	}
	if latest == nil {
		return -1
	}
	idx, ok := handler.BranchIndexForRun(latest.Output, child.RunID)
	if !ok {
		return -1
	}
	return idx
}
