package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-run/stepflow/workflow/handler"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// TimerFired implements timer.Signaler: the timer poller calls this
// once a Pending timer's fire_at has passed and the commit to Fired
// has succeeded. A
// "retry" purpose re-enters the current state fresh rather than
// resuming the handler, since a retry backoff timer is engine-internal
// bookkeeping, not something any handler asked to be resumed about.
func (e *Engine) TimerFired(ctx context.Context, runID, stateName string, payload map[string]any) error {
	purpose, _ := payload["purpose"].(string)
	if purpose == "retry" {
		exec, err := e.Storage.GetExecution(ctx, runID)
		if err != nil {
			return err
		}
		if isTerminalStatus(exec.Status) {
			return nil
		}
		running := storage.ExecutionRunning
		if err := e.Storage.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{Status: &running}); err != nil {
			return err
		}
		return e.Step(ctx, runID)
	}
	return e.resume(ctx, runID, &handler.Resume{Kind: handler.ResumeTimerFired})
}

// TaskCompleted notifies the engine that the task dispatched for
// (runID, stateName) finished successfully. Callers should use
// TaskGateway rather than calling this directly so the queue
// completion and the engine signal commit together.
func (e *Engine) TaskCompleted(ctx context.Context, runID string, output map[string]any) error {
	return e.resumeRunning(ctx, runID, &handler.Resume{Kind: handler.ResumeTaskCompleted, Output: output})
}

// TaskFailed notifies the engine that the dispatched task failed;
// errInfo is the {"error_type","message"} shape workflow/queue writes
// to QueueTask.Error.
func (e *Engine) TaskFailed(ctx context.Context, runID string, errInfo map[string]any) error {
	return e.resumeRunning(ctx, runID, &handler.Resume{Kind: handler.ResumeTaskFailed, ErrorInfo: errInfo})
}

// TaskCancelled notifies the engine that the dispatched task was
// cancelled before completion; the state resumes with a "Cancelled"
// error, subject to Retry/Catch like any other.
func (e *Engine) TaskCancelled(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "task was cancelled before completion"
	}
	return e.resumeRunning(ctx, runID, &handler.Resume{
		Kind:      handler.ResumeTaskCancelled,
		ErrorInfo: map[string]any{"error_type": "Cancelled", "message": reason},
	})
}

// Heartbeat records worker liveness for the task backing (runID,
// stateName): the Processing task's heartbeat_at is refreshed so the
// queue reaper leaves it alone. It does not advance the run.
func (e *Engine) Heartbeat(ctx context.Context, runID, stateName string, details map[string]any) error {
	now := time.Now().UTC()
	processing := storage.TaskProcessing
	n, err := e.Storage.UpdateTaskByRunState(ctx, runID, stateName, &processing, storage.QueueTaskUpdate{HeartbeatAt: &now})
	if err != nil {
		return err
	}
	if n == 0 {
		e.Logger.Debug("heartbeat for no in-flight task", "run_id", runID, "state", stateName)
	}
	return nil
}

// resumeRunning flips a Waiting run back to Running before resuming
// it; terminal runs swallow the signal (terminal statuses are sticky,
// so a late completion for a cancelled run is dropped).
func (e *Engine) resumeRunning(ctx context.Context, runID string, resume *handler.Resume) error {
	exec, err := e.Storage.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if isTerminalStatus(exec.Status) {
		return nil
	}
	running := storage.ExecutionRunning
	if err := e.Storage.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{Status: &running}); err != nil {
		return err
	}
	return e.resume(ctx, runID, resume)
}

// resume re-enters runID's current state with resume non-nil and then
// continues the normal Step loop from whatever tick() decides.
func (e *Engine) resume(ctx context.Context, runID string, resume *handler.Resume) error {
	cont, err := e.tick(ctx, runID, resume)
	if err != nil {
		return err
	}
	if !cont {
		return nil
	}
	return e.Step(ctx, runID)
}

// SubflowFinished delivers a child run's terminal outcome to its
// parent's fan-out state via the handler's OnSubflowFinished hook,
// called by SubflowWatcher once it observes a child execution reach a
// terminal status. Must tolerate duplicate calls for the same child
// run (the handler implementations are themselves idempotent against
// this).
func (e *Engine) SubflowFinished(ctx context.Context, result handler.SubflowResult, parentRunID, parentStateName string) error {
	exec, err := e.Storage.GetExecution(ctx, parentRunID)
	if err != nil {
		return err
	}
	if isTerminalStatus(exec.Status) {
		return nil
	}
	running := storage.ExecutionRunning
	if exec.Status != storage.ExecutionRunning {
		if err := e.Storage.UpdateExecution(ctx, parentRunID, exec.Version, storage.ExecutionUpdate{Status: &running}); err != nil {
			return err
		}
	}

	wf, err := e.loadWorkflow(ctx, parentRunID)
	if err != nil {
		return err
	}
	state, ok := wf.States[parentStateName]
	if !ok {
		return fmt.Errorf("engine: subflow finished: state %q not found in run %s", parentStateName, parentRunID)
	}
	if parentStateName != exec.CurrentState {
		// The fan-out state is no longer current (already transitioned away
		// by a prior notification); nothing left to deliver this result to.
		return nil
	}

	sv, isNew, err := e.currentStateVisit(ctx, parentRunID, parentStateName)
	if err != nil {
		return err
	}
	if isNew {
		return fmt.Errorf("engine: subflow finished: no in-flight state visit for %s/%s", parentRunID, parentStateName)
	}

	h, ok := e.Handlers.Get(state.Kind)
	if !ok {
		return fmt.Errorf("engine: no handler registered for state kind %q", state.Kind)
	}
	rc := handler.RunContext{RunID: parentRunID, StateName: parentStateName, Attempt: sv.Attempt, Bookkeeping: sv.Output}

	exec, err = e.Storage.GetExecution(ctx, parentRunID)
	if err != nil {
		return err
	}
	outcome, err := h.OnSubflowFinished(ctx, e.scopeFor(exec.Mode), rc, state, exec.Context, result)
	if err != nil {
		cont, err := e.onError(ctx, parentRunID, exec, state, sv, err)
		if err != nil {
			return err
		}
		if cont {
			return e.Step(ctx, parentRunID)
		}
		return nil
	}
	cont, err := e.onSuccess(ctx, parentRunID, exec, state, sv, outcome)
	if err != nil {
		return err
	}
	if cont {
		return e.Step(ctx, parentRunID)
	}
	return nil
}
