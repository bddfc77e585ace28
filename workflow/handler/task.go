package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// TaskHandler dispatches state.Resource through the resource registry
// (Inline) or the match service (Deferred). It never applies
// Retry/Catch itself: returning a plain error lets the engine's single
// classify/retry/catch path treat a Task failure the same way it
// treats any other handler error.
type TaskHandler struct{ noSubflow }

func (TaskHandler) StateType() dsl.StateKind { return dsl.KindTask }

func (TaskHandler) Handle(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, in HandlerInput, resume *Resume) (Outcome, error) {
	if resume != nil {
		return taskResume(state, resume)
	}

	if scope.Mode == storage.ModeInline {
		output, err := scope.Resources.Execute(ctx, state.Resource, in.Parameters)
		if err != nil {
			return Outcome{}, classifyResourceError(state.Resource, err)
		}
		return continueFrom(state, output), nil
	}

	taskID := fmt.Sprintf("%s:%s:%d", rc.RunID, rc.StateName, rc.Attempt)
	task := &storage.QueueTask{
		TaskID:    taskID,
		RunID:     rc.RunID,
		StateName: rc.StateName,
		Attempt:   rc.Attempt,
		Payload: storage.TaskPayload{
			Resource:   state.Resource,
			Input:      in.Context,
			Parameters: in.Parameters,
		},
	}
	if err := scope.Queue.Enqueue(ctx, scope.QueueName, task); err != nil {
		return Outcome{}, fmt.Errorf("task: enqueue: %w", err)
	}
	scope.Events.Publish(events.NodeDispatched, rc.RunID, map[string]any{
		"state":    rc.StateName,
		"resource": state.Resource,
		"task_id":  taskID,
	})
	return Outcome{ShouldContinue: false}, nil
}

func taskResume(state *dsl.StateDefinition, resume *Resume) (Outcome, error) {
	switch resume.Kind {
	case ResumeTaskCompleted:
		return continueFrom(state, resume.Output), nil
	case ResumeTaskFailed:
		return Outcome{}, errorFromInfo(resume.ErrorInfo)
	case ResumeTaskCancelled:
		if len(resume.ErrorInfo) > 0 {
			return Outcome{}, errorFromInfo(resume.ErrorInfo)
		}
		return Outcome{}, exception.New("Cancelled", "task was cancelled before completion")
	default:
		return Outcome{}, fmt.Errorf("task: unexpected resume kind %q", resume.Kind)
	}
}

// errorFromInfo reconstructs a *exception.StepError from the
// {"error_type", "message"} shape every queue backend writes to
// QueueTask.Error (see workflow/queue's Fail/reap), so the engine's
// retry/catch matcher sees the same error_type the worker reported.
func errorFromInfo(info map[string]any) error {
	errType, _ := info["error_type"].(string)
	if errType == "" {
		errType = "ExecutionFailed"
	}
	message, _ := info["message"].(string)
	return exception.New(errType, message)
}

func classifyResourceError(resourceName string, err error) error {
	if errors.Is(err, resource.ErrNotFound) {
		return exception.Wrap("ToolNotFound", fmt.Sprintf("resource %q not registered", resourceName), err)
	}
	var se *exception.StepError
	if errors.As(err, &se) {
		return err
	}
	return exception.Wrap("ExecutionFailed", fmt.Sprintf("resource %q failed", resourceName), err)
}
