package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// ErrTaskCancelled is returned by TaskGateway.Heartbeat when the
// heartbeating task's run has been cancelled: the worker should stop
// executing and discard any result it would have reported.
var ErrTaskCancelled = errors.New("engine: task cancelled")

// Cancel transitions runID to Cancelled: the execution
// and its in-flight state visit are marked Cancelled in one
// transaction, a still-Queued task for the current state is dropped
// right away, and a Processing one is left for its worker to discover
// on its next heartbeat (TaskGateway.Heartbeat returns
// ErrTaskCancelled once the run is terminal). Terminal runs are left
// untouched; cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	exec, err := e.Storage.GetExecution(ctx, runID)
	if err != nil {
		return err
	}
	if isTerminalStatus(exec.Status) {
		return nil
	}
	sv, isNew, err := e.currentStateVisit(ctx, runID, exec.CurrentState)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	result := map[string]any{"error_type": "Cancelled", "message": reason}
	cancelled := storage.ExecutionCancelled
	err = e.TxManager.WithTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if !isNew {
			svStatus := storage.StateCancelled
			if err := tx.UpdateState(ctx, sv.StateID, sv.Version, storage.StateVisitUpdate{
				Status: &svStatus, Error: result, FinishedAt: &now,
			}); err != nil {
				return err
			}
		}
		if err := tx.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{
			Status: &cancelled, Result: result, FinishedAt: &now,
		}); err != nil {
			return err
		}
		queued := storage.TaskQueued
		taskStatus := storage.TaskCancelled
		if _, err := tx.UpdateTaskByRunState(ctx, runID, exec.CurrentState, &queued, storage.QueueTaskUpdate{
			Status: &taskStatus, Error: result,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventRecord(runID, events.WorkflowFinished, map[string]any{
			"status": string(storage.ExecutionCancelled),
			"reason": reason,
		}))
	})
	if err != nil {
		return fmt.Errorf("engine: cancel %s: %w", runID, err)
	}

	e.Events.Publish(events.WorkflowFinished, runID, map[string]any{
		"status": string(storage.ExecutionCancelled),
		"reason": reason,
	})
	exec.Status = cancelled
	exec.FinishedAt = &now
	e.upsertVisibility(ctx, exec)
	return nil
}
