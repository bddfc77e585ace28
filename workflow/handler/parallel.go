package handler

import (
	"context"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

// ParallelHandler runs every Branch in state.Branches against the same
// input context, concurrently. Inline mode drives every
// branch to completion before returning; Deferred mode starts (up to
// Config.MaxBranchConcurrency) child runs and suspends, resuming
// through OnSubflowFinished as each completes. Output is the per-branch
// result array, installed at context[stateName] (Outcome.MergeKey)
// since Execution.Context is a JSON object and cannot itself be a bare
// array.
type ParallelHandler struct{}

func (ParallelHandler) StateType() dsl.StateKind { return dsl.KindParallel }

func (ParallelHandler) Handle(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, in HandlerInput, resume *Resume) (Outcome, error) {
	branches := make([]*dsl.Branch, len(state.Branches))
	contexts := make([]map[string]any, len(state.Branches))
	for i := range state.Branches {
		b := state.Branches[i]
		branches[i] = &b
		contexts[i] = in.Context
	}
	out, err := fanoutStart(ctx, scope, rc, branches, contexts, rc.StateName)
	return attachNext(out, err, state)
}

func (ParallelHandler) OnSubflowFinished(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, parentCtx map[string]any, result SubflowResult) (Outcome, error) {
	out, err := fanoutOnSubflowFinished(ctx, scope, rc, result)
	return attachNext(out, err, state)
}

// attachNext sets Outcome.NextState from state.Next on a completed
// fan-out (ShouldContinue true); a still-waiting or failed Outcome
// passes through unchanged.
func attachNext(out Outcome, err error, state *dsl.StateDefinition) (Outcome, error) {
	if err != nil || !out.ShouldContinue {
		return out, err
	}
	if state.Next != nil {
		out.NextState = *state.Next
		out.HasNextState = true
	}
	return out, nil
}
