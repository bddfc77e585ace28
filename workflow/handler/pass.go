package handler

import (
	"context"
	"encoding/json"
	"maps"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

// PassHandler merges state.Result into the input context using
// object-field overwrite and continues to the state's Next.
type PassHandler struct{ noSubflow }

func (PassHandler) StateType() dsl.StateKind { return dsl.KindPass }

func (PassHandler) Handle(_ context.Context, _ *Scope, _ RunContext, state *dsl.StateDefinition, in HandlerInput, _ *Resume) (Outcome, error) {
	merged := maps.Clone(in.Context)
	if merged == nil {
		merged = map[string]any{}
	}
	if len(state.Result) > 0 {
		var result map[string]any
		if err := json.Unmarshal(state.Result, &result); err == nil {
			maps.Copy(merged, result)
		}
	}
	out := Outcome{Output: merged, ShouldContinue: true}
	if state.Next != nil {
		out.NextState = *state.Next
		out.HasNextState = true
	}
	return out, nil
}
