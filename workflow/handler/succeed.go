package handler

import (
	"context"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

// SucceedHandler passes the current context through as the run's
// result and marks the run Completed.
type SucceedHandler struct{ noSubflow }

func (SucceedHandler) StateType() dsl.StateKind { return dsl.KindSucceed }

func (SucceedHandler) Handle(_ context.Context, _ *Scope, _ RunContext, _ *dsl.StateDefinition, in HandlerInput, _ *Resume) (Outcome, error) {
	return Outcome{Output: in.Context, ShouldContinue: false}, nil
}
