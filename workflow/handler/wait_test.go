package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/storage"
	"github.com/stepflow-run/stepflow/workflow/timer"
)

func TestWaitHandler_InlineSleepsThenContinues(t *testing.T) {
	seconds := int64(0)
	next := "Next"
	state := &dsl.StateDefinition{Kind: dsl.KindWait, Seconds: &seconds, Next: &next}
	scope := &Scope{Mode: storage.ModeInline}
	out, err := WaitHandler{}.Handle(context.Background(), scope, RunContext{}, state, HandlerInput{Context: map[string]any{"a": 1.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1.0}, out.Output)
	assert.True(t, out.ShouldContinue)
	assert.Equal(t, "Next", out.NextState)
}

func TestWaitHandler_DeferredCreatesTimerAndSuspends(t *testing.T) {
	seconds := int64(60)
	state := &dsl.StateDefinition{Kind: dsl.KindWait, Seconds: &seconds}
	mem := storage.NewMemory()
	scope := &Scope{Mode: storage.ModeDeferred, Timers: timer.NewService(mem)}
	out, err := WaitHandler{}.Handle(context.Background(), scope, RunContext{RunID: "r1", StateName: "Wait1"}, state, HandlerInput{}, nil)
	require.NoError(t, err)
	assert.False(t, out.ShouldContinue)

	timers, err := mem.FindTimersBefore(context.Background(), time.Now().UTC().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, "r1", timers[0].RunID)
	assert.Equal(t, "Wait1", timers[0].StateName)
	assert.Equal(t, WaitPurpose, timers[0].Payload["purpose"])
}

func TestWaitHandler_ResumeOnTimerFiredContinues(t *testing.T) {
	next := "Next"
	state := &dsl.StateDefinition{Kind: dsl.KindWait, Next: &next}
	out, err := WaitHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{Context: map[string]any{"b": 2.0}}, &Resume{Kind: ResumeTimerFired})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": 2.0}, out.Output)
	assert.True(t, out.ShouldContinue)
}

func TestWaitHandler_ResumeWithWrongKindErrors(t *testing.T) {
	state := &dsl.StateDefinition{Kind: dsl.KindWait}
	_, err := WaitHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{}, &Resume{Kind: ResumeTaskCompleted})
	require.Error(t, err)
}

func TestWaitHandler_MissingSecondsAndTimestampErrors(t *testing.T) {
	state := &dsl.StateDefinition{Kind: dsl.KindWait}
	scope := &Scope{Mode: storage.ModeInline}
	_, err := WaitHandler{}.Handle(context.Background(), scope, RunContext{}, state, HandlerInput{}, nil)
	require.Error(t, err)
}
