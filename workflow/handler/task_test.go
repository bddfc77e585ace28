package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

func TestTaskHandler_InlineExecutesRegisteredResource(t *testing.T) {
	local := resource.NewLocal()
	local.Register("double", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		n, _ := in["n"].(float64)
		return map[string]any{"n": n * 2}, nil
	})
	next := "Next"
	state := &dsl.StateDefinition{Kind: dsl.KindTask, Resource: "double", Next: &next}
	scope := &Scope{Mode: storage.ModeInline, Resources: local}
	out, err := TaskHandler{}.Handle(context.Background(), scope, RunContext{}, state, HandlerInput{Parameters: map[string]any{"n": 21.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": 42.0}, out.Output)
	assert.True(t, out.ShouldContinue)
	assert.Equal(t, "Next", out.NextState)
}

func TestTaskHandler_InlineMissingResourceIsToolNotFound(t *testing.T) {
	state := &dsl.StateDefinition{Kind: dsl.KindTask, Resource: "missing"}
	scope := &Scope{Mode: storage.ModeInline, Resources: resource.NewLocal()}
	_, err := TaskHandler{}.Handle(context.Background(), scope, RunContext{}, state, HandlerInput{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ToolNotFound")
}

func TestTaskHandler_DeferredEnqueuesAndSuspends(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	state := &dsl.StateDefinition{Kind: dsl.KindTask, Resource: "charge-card"}
	scope := &Scope{Mode: storage.ModeDeferred, Queue: q, QueueName: "default", Events: events.New(8)}
	out, err := TaskHandler{}.Handle(context.Background(), scope, RunContext{RunID: "r1", StateName: "Charge", Attempt: 1}, state, HandlerInput{Parameters: map[string]any{"amount": 5.0}}, nil)
	require.NoError(t, err)
	assert.False(t, out.ShouldContinue)

	stats, err := q.Stats(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestTaskHandler_ResumeTaskCompletedContinues(t *testing.T) {
	next := "Next"
	state := &dsl.StateDefinition{Kind: dsl.KindTask, Next: &next}
	out, err := TaskHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{}, &Resume{Kind: ResumeTaskCompleted, Output: map[string]any{"ok": true}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out.Output)
	assert.Equal(t, "Next", out.NextState)
}

func TestTaskHandler_ResumeTaskFailedReturnsReconstructedError(t *testing.T) {
	state := &dsl.StateDefinition{Kind: dsl.KindTask}
	_, err := TaskHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{}, &Resume{Kind: ResumeTaskFailed, ErrorInfo: map[string]any{"error_type": "PaymentDeclined", "message": "insufficient funds"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PaymentDeclined")
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestTaskHandler_ResumeTaskCancelled(t *testing.T) {
	state := &dsl.StateDefinition{Kind: dsl.KindTask}
	_, err := TaskHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{}, &Resume{Kind: ResumeTaskCancelled})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cancelled")
}
