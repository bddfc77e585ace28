package handler

import (
	"context"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

// FailHandler returns {error, cause} and marks the run Failed.
// This is a normal (non-error) handler return — the Fail
// *kind* is what signals failure to the engine, not a Go error — so
// retry/catch policies on a Fail state (if any were configured) never
// trigger.
type FailHandler struct{ noSubflow }

func (FailHandler) StateType() dsl.StateKind { return dsl.KindFail }

func (FailHandler) Handle(_ context.Context, _ *Scope, _ RunContext, state *dsl.StateDefinition, _ HandlerInput, _ *Resume) (Outcome, error) {
	return Outcome{
		Output: map[string]any{
			"error": state.Error,
			"cause": state.Cause,
		},
		ShouldContinue: false,
	}, nil
}
