package handler

import (
	"context"
	"fmt"
	"maps"

	"github.com/PaesslerAG/jsonpath"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

// MapHandler instantiates state.Iterator once per item in the array
// resolved from state.ItemsPath, running every instance concurrently
// (bounded by Config.MaxBranchConcurrency; state.MaxConcurrency is not
// read). Otherwise identical to
// ParallelHandler's fan-out/merge shape; kept as a separate handler
// rather than parameterizing Parallel because Map's per-branch context
// (base context plus one item under ItemKey()) has no Parallel analog.
type MapHandler struct{}

func (MapHandler) StateType() dsl.StateKind { return dsl.KindMap }

func (MapHandler) Handle(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, in HandlerInput, resume *Resume) (Outcome, error) {
	if state.Iterator == nil {
		return Outcome{}, fmt.Errorf("map: state %q has no Iterator", rc.StateName)
	}
	items, err := mapItems(state.ItemsPath, in.Context)
	if err != nil {
		return Outcome{}, err
	}

	branches := make([]*dsl.Branch, len(items))
	contexts := make([]map[string]any, len(items))
	for i, item := range items {
		branches[i] = state.Iterator
		itemCtx := maps.Clone(in.Context)
		if itemCtx == nil {
			itemCtx = map[string]any{}
		}
		itemCtx[state.ItemKey()] = item
		contexts[i] = itemCtx
	}

	out, err := fanoutStart(ctx, scope, rc, branches, contexts, rc.StateName)
	return attachNext(out, err, state)
}

func (MapHandler) OnSubflowFinished(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, parentCtx map[string]any, result SubflowResult) (Outcome, error) {
	out, err := fanoutOnSubflowFinished(ctx, scope, rc, result)
	return attachNext(out, err, state)
}

// mapItems resolves state.ItemsPath against root into a slice. A path resolving to
// a non-array, or nothing, is an error rather than a
// zero-length silent no-op, since an empty Map is almost always a
// workflow authoring mistake worth surfacing.
func mapItems(path string, root any) ([]any, error) {
	v, err := jsonpath.Get(path, root)
	if err != nil {
		return nil, fmt.Errorf("map: ItemsPath %q: %w", path, err)
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("map: ItemsPath %q did not resolve to an array", path)
	}
	return items, nil
}
