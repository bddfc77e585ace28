package engine

import (
	"context"
	"fmt"

	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// TaskGateway is the worker-facing front door onto the Match Service:
// it commits a task's outcome to the queue first, then signals the
// engine to resume the waiting run, the same commit-before-signal
// ordering workflow/timer's Poller uses for fired timers. Workers
// should call TaskGateway rather than queue.Service directly so a
// completion is never durably recorded without the engine eventually
// learning about it.
type TaskGateway struct {
	Queue  queue.Service
	Engine *Engine
}

func NewTaskGateway(q queue.Service, e *Engine) *TaskGateway {
	return &TaskGateway{Queue: q, Engine: e}
}

func (g *TaskGateway) Complete(ctx context.Context, taskID string, output map[string]any) error {
	task, err := g.Engine.Storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("gateway: lookup task %s: %w", taskID, err)
	}
	if err := g.Queue.Complete(ctx, taskID, output); err != nil {
		return err
	}
	return g.Engine.TaskCompleted(ctx, task.RunID, output)
}

func (g *TaskGateway) Fail(ctx context.Context, taskID string, errInfo map[string]any) error {
	task, err := g.Engine.Storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("gateway: lookup task %s: %w", taskID, err)
	}
	if err := g.Queue.Fail(ctx, taskID, errInfo); err != nil {
		return err
	}
	return g.Engine.TaskFailed(ctx, task.RunID, errInfo)
}

// Heartbeat refreshes taskID's liveness, or — when the owning run has
// been cancelled since the task was claimed — marks the task Cancelled
// and returns ErrTaskCancelled so the worker abandons it.
func (g *TaskGateway) Heartbeat(ctx context.Context, taskID string) error {
	task, err := g.Engine.Storage.GetQueueTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("gateway: lookup task %s: %w", taskID, err)
	}
	exec, err := g.Engine.Storage.GetExecution(ctx, task.RunID)
	if err != nil {
		return fmt.Errorf("gateway: lookup run %s: %w", task.RunID, err)
	}
	if exec.Status == storage.ExecutionCancelled {
		if err := g.Queue.Cancel(ctx, taskID, "run cancelled"); err != nil {
			return err
		}
		return ErrTaskCancelled
	}
	if err := g.Queue.Heartbeat(ctx, taskID); err != nil {
		return err
	}
	return g.Engine.Heartbeat(ctx, task.RunID, task.StateName, nil)
}
