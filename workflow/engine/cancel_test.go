package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
	"github.com/stepflow-run/stepflow/workflow/timer"
)

// newDeferredTestEngine wires the engine with a storage-backed queue
// so the TaskGateway's task lookups see what the Task handler
// enqueued, the fixture every deferred-mode scenario here shares.
func newDeferredTestEngine() (*Engine, *storage.Memory) {
	mem := storage.NewMemory()
	q := queue.NewPersistentQueue(queue.DefaultConfig(), mem)
	return New(mem, mem, q, timer.NewService(mem), resource.Global{}, events.New(64), nil), mem
}

func deferredTaskWorkflow() *dsl.Workflow {
	return &dsl.Workflow{
		StartAt: "Work",
		States: map[string]*dsl.StateDefinition{
			"Work": {Kind: dsl.KindTask, Resource: "remote", Next: ptrStr("Done")},
			"Done": {Kind: dsl.KindSucceed},
		},
	}
}

// Testable property: cancelling a run with a still-Queued task drops
// the task immediately and marks the run Cancelled.
func TestEngine_CancelDropsQueuedTask(t *testing.T) {
	e, mem := newDeferredTestEngine()
	runID, err := e.Start(context.Background(), deferredTaskWorkflow(), nil, storage.ModeDeferred)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), runID, "operator request"))

	exec, err := mem.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCancelled, exec.Status)
	require.NotNil(t, exec.FinishedAt)
	assert.Equal(t, "operator request", exec.Result["message"])

	task, err := mem.GetTaskByRunState(context.Background(), runID, "Work")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCancelled, task.Status)
}

// Testable property: a Processing task survives Cancel until its
// worker's next heartbeat, which returns ErrTaskCancelled and marks
// the task Cancelled; a late completion signal is then dropped
// because terminal statuses are sticky.
func TestEngine_CancelInFlightTaskOnHeartbeat(t *testing.T) {
	e, mem := newDeferredTestEngine()
	runID, err := e.Start(context.Background(), deferredTaskWorkflow(), nil, storage.ModeDeferred)
	require.NoError(t, err)

	claimed, err := e.Queue.Poll(context.Background(), e.QueueName, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, e.Cancel(context.Background(), runID, "shutting down"))

	task, err := mem.GetQueueTask(context.Background(), claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskProcessing, task.Status)

	gw := NewTaskGateway(e.Queue, e)
	err = gw.Heartbeat(context.Background(), claimed.TaskID)
	assert.ErrorIs(t, err, ErrTaskCancelled)

	task, err = mem.GetQueueTask(context.Background(), claimed.TaskID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCancelled, task.Status)

	// A worker that raced the cancellation and reported anyway must
	// not resurrect the run.
	require.NoError(t, e.TaskCompleted(context.Background(), runID, map[string]any{"late": true}))
	exec, err := mem.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCancelled, exec.Status)
}

// Testable property: cancelling twice (or after completion) is a
// no-op rather than an error.
func TestEngine_CancelIsIdempotent(t *testing.T) {
	e, mem := newDeferredTestEngine()
	runID, err := e.Start(context.Background(), deferredTaskWorkflow(), nil, storage.ModeDeferred)
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), runID, "first"))
	require.NoError(t, e.Cancel(context.Background(), runID, "second"))

	exec, err := mem.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "first", exec.Result["message"])
}

// Testable property: a TaskCancelled signal resumes the waiting state
// with a "Cancelled" error that Catch policies can route like any
// other error_type.
func TestEngine_TaskCancelledSignalRoutesThroughCatch(t *testing.T) {
	e, mem := newDeferredTestEngine()
	wf := deferredTaskWorkflow()
	wf.States["Work"].Catch = []dsl.CatchPolicy{{ErrorEquals: []string{"Cancelled"}, Next: "Done"}}
	runID, err := e.Start(context.Background(), wf, nil, storage.ModeDeferred)
	require.NoError(t, err)

	require.NoError(t, e.TaskCancelled(context.Background(), runID, "worker shed load"))

	exec, err := mem.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
	errInfo, ok := exec.Context["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Cancelled", errInfo["error_type"])
}

// Testable property: Heartbeat refreshes the Processing task's
// heartbeat_at so the reaper leaves it alone.
func TestEngine_HeartbeatRefreshesTask(t *testing.T) {
	e, mem := newDeferredTestEngine()
	_, err := e.Start(context.Background(), deferredTaskWorkflow(), nil, storage.ModeDeferred)
	require.NoError(t, err)

	claimed, err := e.Queue.Poll(context.Background(), e.QueueName, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	gw := NewTaskGateway(e.Queue, e)
	require.NoError(t, gw.Heartbeat(context.Background(), claimed.TaskID))

	task, err := mem.GetQueueTask(context.Background(), claimed.TaskID)
	require.NoError(t, err)
	require.NotNil(t, task.HeartbeatAt)
	assert.WithinDuration(t, time.Now(), *task.HeartbeatAt, 5*time.Second)
}
