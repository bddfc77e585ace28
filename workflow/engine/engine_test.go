package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
	"github.com/stepflow-run/stepflow/workflow/timer"
)

func exceptionErr(errType string) error {
	return exception.New(errType, errType)
}

// newTestEngine builds an Engine wired entirely with in-memory
// backends, the standard fixture for every scenario in this file.
func newTestEngine() *Engine {
	mem := storage.NewMemory()
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	ts := timer.NewService(mem)
	bus := events.New(64)
	return New(mem, mem, q, ts, resource.Global{}, bus, nil)
}

func ptrStr(s string) *string { return &s }
func ptrI64(n int64) *int64   { return &n }

// Testable property: a run through Task -> Pass -> Succeed in Inline
// mode reaches Completed in one Step call.
func TestEngine_InlineTaskPassSucceed(t *testing.T) {
	resource.Register("greet", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		name, _ := in["name"].(string)
		return map[string]any{"greeting": "hello " + name}, nil
	})

	wf := &dsl.Workflow{
		StartAt: "Greet",
		States: map[string]*dsl.StateDefinition{
			"Greet":  {Kind: dsl.KindTask, Resource: "greet", Next: ptrStr("Shape")},
			"Shape":  {Kind: dsl.KindPass, Result: []byte(`{"done":true}`), Next: ptrStr("Finish")},
			"Finish": {Kind: dsl.KindSucceed},
		},
	}
	e := newTestEngine()
	runID, err := e.Start(context.Background(), wf, map[string]any{"name": "ada"}, storage.ModeInline)
	require.NoError(t, err)

	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
	assert.Equal(t, "hello ada", exec.Result["greeting"])
	assert.Equal(t, true, exec.Result["done"])
}

// Testable property: Choice routes to the first matching rule's Next.
func TestEngine_ChoiceRoutesOnCondition(t *testing.T) {
	wf := &dsl.Workflow{
		StartAt: "Decide",
		States: map[string]*dsl.StateDefinition{
			"Decide": {Kind: dsl.KindChoice, Choices: []dsl.ChoiceRule{
				{Condition: dsl.Condition{Variable: "$.n", Operator: dsl.OpGreaterThan, Value: []byte("0")}, Next: "Positive"},
			}, DefaultNext: ptrStr("NonPositive")},
			"Positive":    {Kind: dsl.KindSucceed},
			"NonPositive": {Kind: dsl.KindFail, Error: "NotPositive"},
		},
	}
	e := newTestEngine()
	runID, err := e.Start(context.Background(), wf, map[string]any{"n": 5.0}, storage.ModeInline)
	require.NoError(t, err)
	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
}

// Testable property: a Fail state ends the run Failed with
// {error,cause} as its result.
func TestEngine_FailStateEndsRunFailed(t *testing.T) {
	wf := &dsl.Workflow{
		StartAt: "Boom",
		States: map[string]*dsl.StateDefinition{
			"Boom": {Kind: dsl.KindFail, Error: "BadInput", Cause: "missing field"},
		},
	}
	e := newTestEngine()
	runID, err := e.Start(context.Background(), wf, nil, storage.ModeInline)
	require.NoError(t, err)
	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionFailed, exec.Status)
	assert.Equal(t, "BadInput", exec.Result["error"])
}

// Testable property: a Wait state with Seconds:0 resolves immediately
// in Inline mode and the run completes in one Step.
func TestEngine_InlineWaitThenSucceed(t *testing.T) {
	wf := &dsl.Workflow{
		StartAt: "Pause",
		States: map[string]*dsl.StateDefinition{
			"Pause": {Kind: dsl.KindWait, Seconds: ptrI64(0), Next: ptrStr("Done")},
			"Done":  {Kind: dsl.KindSucceed},
		},
	}
	e := newTestEngine()
	runID, err := e.Start(context.Background(), wf, map[string]any{"x": 1.0}, storage.ModeInline)
	require.NoError(t, err)
	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
}

// Testable property: Deferred Wait suspends the run and a genuine
// timer fire resumes it to completion.
func TestEngine_DeferredWaitSuspendsThenTimerFiredResumes(t *testing.T) {
	wf := &dsl.Workflow{
		StartAt: "Pause",
		States: map[string]*dsl.StateDefinition{
			"Pause": {Kind: dsl.KindWait, Seconds: ptrI64(3600), Next: ptrStr("Done")},
			"Done":  {Kind: dsl.KindSucceed},
		},
	}
	e := newTestEngine()
	runID, err := e.Start(context.Background(), wf, nil, storage.ModeDeferred)
	require.NoError(t, err)

	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionWaiting, exec.Status)

	timers, err := e.Storage.FindTimersBefore(context.Background(), exec.StartedAt.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, timers, 1)

	err = e.TimerFired(context.Background(), runID, "Pause", timers[0].Payload)
	require.NoError(t, err)

	exec, err = e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
}

// Testable property: a Task failing twice then succeeding on its
// third attempt (within MaxAttempts) completes the run.
func TestEngine_InlineRetryThenSucceed(t *testing.T) {
	calls := 0
	resource.Register("flaky", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		calls++
		if calls < 3 {
			return nil, exceptionErr("TransientFailure")
		}
		return map[string]any{"ok": true}, nil
	})

	wf := &dsl.Workflow{
		StartAt: "Flaky",
		States: map[string]*dsl.StateDefinition{
			"Flaky": {
				Kind:     dsl.KindTask,
				Resource: "flaky",
				Next:     ptrStr("Done"),
				Retry: []dsl.RetryPolicy{{
					ErrorEquals:     []string{"TransientFailure"},
					IntervalSeconds: uPtr(0),
				}},
			},
			"Done": {Kind: dsl.KindSucceed},
		},
	}
	e := newTestEngine()
	e.Config.InlineRetrySleepCap = 0
	runID, err := e.Start(context.Background(), wf, nil, storage.ModeInline)
	require.NoError(t, err)
	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, calls)
}

// Testable property: exhausting Retry attempts falls through to a
// matching Catch policy, merging the error at ResultPath and
// transitioning to Catch.Next rather than failing the run.
func TestEngine_RetryExhaustedFallsThroughToCatch(t *testing.T) {
	resource.Register("always-fails", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return nil, exceptionErr("PermanentFailure")
	})
	maxAttempts := uint32(2)
	wf := &dsl.Workflow{
		StartAt: "Bad",
		States: map[string]*dsl.StateDefinition{
			"Bad": {
				Kind:     dsl.KindTask,
				Resource: "always-fails",
				Next:     ptrStr("Handle"),
				Retry: []dsl.RetryPolicy{{
					ErrorEquals:     []string{"PermanentFailure"},
					IntervalSeconds: uPtr(0),
					MaxAttempts:     &maxAttempts,
				}},
				Catch: []dsl.CatchPolicy{{ErrorEquals: []string{"PermanentFailure"}, Next: "Handle"}},
			},
			"Handle": {Kind: dsl.KindSucceed},
		},
	}
	e := newTestEngine()
	e.Config.InlineRetrySleepCap = 0
	runID, err := e.Start(context.Background(), wf, nil, storage.ModeInline)
	require.NoError(t, err)
	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
	errInfo, ok := exec.Context["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "PermanentFailure", errInfo["error_type"])
}

// Testable property: Map fans out over ItemsPath in Inline mode and
// merges the per-item results back as an array at the state's own
// name.
func TestEngine_InlineMapOverItems(t *testing.T) {
	resource.Register("square", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		n, _ := in["item"].(float64)
		return map[string]any{"squared": n * n}, nil
	})
	wf := &dsl.Workflow{
		StartAt: "Squares",
		States: map[string]*dsl.StateDefinition{
			"Squares": {
				Kind:      dsl.KindMap,
				ItemsPath: "$.items",
				Iterator: &dsl.Branch{
					StartAt: "Square",
					States: map[string]*dsl.StateDefinition{
						"Square": {Kind: dsl.KindTask, Resource: "square", End: true},
					},
				},
				Next: ptrStr("Done"),
			},
			"Done": {Kind: dsl.KindSucceed},
		},
	}
	e := newTestEngine()
	runID, err := e.Start(context.Background(), wf, map[string]any{"items": []any{2.0, 3.0, 4.0}}, storage.ModeInline)
	require.NoError(t, err)
	exec, err := e.Storage.GetExecution(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionCompleted, exec.Status)
	results, ok := exec.Result["Squares"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 3)
}

func uPtr(n uint32) *uint32 { return &n }
