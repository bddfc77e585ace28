package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

func TestSucceedHandler_PassesContextAsResultAndStops(t *testing.T) {
	state := &dsl.StateDefinition{Kind: dsl.KindSucceed}
	out, err := SucceedHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{Context: map[string]any{"ok": true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out.Output)
	assert.False(t, out.ShouldContinue)
	assert.False(t, out.HasNextState)
}
