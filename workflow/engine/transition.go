package engine

import (
	"context"
	"fmt"
	"maps"
	"math"
	"strings"
	"time"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/handler"
	"github.com/stepflow-run/stepflow/workflow/mapping"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// onSuccess applies a handler's Outcome: suspend on should_continue
// false, finalize on a terminal state with no next_state, or merge
// output and transition.
func (e *Engine) onSuccess(ctx context.Context, runID string, exec *storage.Execution, state *dsl.StateDefinition, sv *storage.StateVisit, outcome handler.Outcome) (bool, error) {
	if !outcome.ShouldContinue {
		if state.IsTerminal() {
			return false, e.finalize(ctx, runID, exec, sv, terminalStatus(state), toResult(outcome.Output))
		}
		return false, e.markWaiting(ctx, runID, exec, sv, outcome.Metadata)
	}

	merged, err := e.mergeOutput(exec.Context, state, outcome)
	if err != nil {
		return e.onError(ctx, runID, exec, state, sv, err)
	}

	if !outcome.HasNextState {
		if state.IsTerminal() {
			return false, e.finalize(ctx, runID, exec, sv, terminalStatus(state), merged)
		}
		return false, fmt.Errorf("engine: run %s: state %q returned should_continue with no next_state and is not terminal", runID, exec.CurrentState)
	}
	return true, e.transitionTo(ctx, runID, exec, sv, merged, outcome.NextState, storage.StateSucceeded, nil)
}

func terminalStatus(state *dsl.StateDefinition) storage.ExecutionStatus {
	if state.Kind == dsl.KindFail {
		return storage.ExecutionFailed
	}
	return storage.ExecutionCompleted
}

func toResult(output any) map[string]any {
	if m, ok := output.(map[string]any); ok {
		return m
	}
	if output == nil {
		return map[string]any{}
	}
	return map[string]any{"value": output}
}

// mergeOutput folds a handler's Outcome.Output into exec's context.
// MergeKey (Parallel/Map's own state name) installs the output as-is
// at that key, bypassing OutputMapping entirely since the natural
// fan-out result is an array, not an object an output_mapping rule
// set could sensibly transform. Otherwise OutputMapping (when set)
// transforms Output first; either way the result is merged into the
// context by object-field overwrite, the same rule Pass uses for
// state.Result.
func (e *Engine) mergeOutput(execCtx map[string]any, state *dsl.StateDefinition, outcome handler.Outcome) (map[string]any, error) {
	merged := maps.Clone(execCtx)
	if merged == nil {
		merged = map[string]any{}
	}
	if outcome.MergeKey != "" {
		merged[outcome.MergeKey] = outcome.Output
		return merged, nil
	}
	output := outcome.Output
	if !state.OutputMapping.Empty() {
		res, err := mapping.Apply(state.OutputMapping, output)
		if err != nil {
			return nil, fmt.Errorf("engine: output_mapping: %w", err)
		}
		output = res.Output
	}
	if m, ok := output.(map[string]any); ok {
		maps.Copy(merged, m)
	} else if output != nil {
		merged["output"] = output
	}
	return merged, nil
}

// transitionTo commits the current StateVisit's completion and moves
// exec onto nextState in one transaction, so a crash can never leave
// the visit closed but the run still pointing at it.
func (e *Engine) transitionTo(ctx context.Context, runID string, exec *storage.Execution, sv *storage.StateVisit, newContext map[string]any, nextState string, svStatus storage.StateStatus, svError map[string]any) error {
	now := time.Now().UTC()
	err := e.TxManager.WithTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		status := svStatus
		if err := tx.UpdateState(ctx, sv.StateID, sv.Version, storage.StateVisitUpdate{
			Status: &status, Output: outputForStatus(svStatus, newContext), Error: svError, FinishedAt: &now,
		}); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{
			CurrentState: &nextState, Context: newContext,
		}); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventRecord(runID, events.NodeSuccess, map[string]any{
			"state": exec.CurrentState, "next_state": nextState,
		}))
	})
	if err != nil {
		return fmt.Errorf("engine: transition %s -> %s: %w", exec.CurrentState, nextState, err)
	}
	e.Events.Publish(events.NodeSuccess, runID, map[string]any{"state": exec.CurrentState, "next_state": nextState})
	return nil
}

func outputForStatus(status storage.StateStatus, newContext map[string]any) map[string]any {
	if status == storage.StateSucceeded {
		return newContext
	}
	return nil
}

// markWaiting suspends a non-terminal state: the StateVisit's Output
// is overwritten with handler-supplied bookkeeping (Parallel/Map's
// in-flight branch records) so the next resume call can read it back
// as RunContext.Bookkeeping.
func (e *Engine) markWaiting(ctx context.Context, runID string, exec *storage.Execution, sv *storage.StateVisit, metadata map[string]any) error {
	err := e.TxManager.WithTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.UpdateState(ctx, sv.StateID, sv.Version, storage.StateVisitUpdate{Output: metadata}); err != nil {
			return err
		}
		waiting := storage.ExecutionWaiting
		return tx.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{Status: &waiting})
	})
	if err != nil {
		return fmt.Errorf("engine: mark waiting: %w", err)
	}
	return nil
}

// finalize commits a run's terminal status.
func (e *Engine) finalize(ctx context.Context, runID string, exec *storage.Execution, sv *storage.StateVisit, status storage.ExecutionStatus, result map[string]any) error {
	now := time.Now().UTC()
	svStatus := storage.StateSucceeded
	if status == storage.ExecutionFailed {
		svStatus = storage.StateFailed
	}
	typ := events.NodeSuccess
	if status == storage.ExecutionFailed {
		typ = events.NodeFailed
	}
	err := e.TxManager.WithTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		if err := tx.UpdateState(ctx, sv.StateID, sv.Version, storage.StateVisitUpdate{
			Status: &svStatus, Output: result, FinishedAt: &now,
		}); err != nil {
			return err
		}
		if err := tx.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{
			Status: &status, Result: result, FinishedAt: &now,
		}); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, eventRecord(runID, typ, map[string]any{"state": exec.CurrentState})); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, eventRecord(runID, events.WorkflowFinished, map[string]any{"status": string(status)}))
	})
	if err != nil {
		return fmt.Errorf("engine: finalize %s: %w", runID, err)
	}
	e.Events.Publish(typ, runID, map[string]any{"state": exec.CurrentState})
	e.Events.Publish(events.WorkflowFinished, runID, map[string]any{"status": string(status)})
	exec.Status = status
	exec.FinishedAt = &now
	e.upsertVisibility(ctx, exec)
	return nil
}

// onError classifies a handler error against state's Retry/Catch
// policies, in that order: a matching, budget-
// remaining Retry policy schedules another attempt; otherwise a
// matching Catch policy routes to its Next state with the error
// merged at ResultPath, bypassing OutputMapping entirely; otherwise
// the whole run fails.
func (e *Engine) onError(ctx context.Context, runID string, exec *storage.Execution, state *dsl.StateDefinition, sv *storage.StateVisit, cause error) (bool, error) {
	errType := exception.TypeOf(cause)

	if retry, ok := exception.MatchRetry(errType, state.Retry); ok && sv.Attempt < int(retry.Attempts()) {
		e.Events.Publish(events.NodeFailed, runID, map[string]any{
			"state": exec.CurrentState, "attempt": sv.Attempt, "error": errorInfo(cause), "retrying": true,
		})
		cont, err := e.scheduleRetry(ctx, runID, exec, sv, retry)
		return cont, err
	}

	if catch, ok := exception.MatchCatch(errType, state.Catch); ok {
		e.Events.Publish(events.NodeFailed, runID, map[string]any{
			"state": exec.CurrentState, "attempt": sv.Attempt, "error": errorInfo(cause), "caught": true,
		})
		return true, e.routeCatch(ctx, runID, exec, sv, cause, catch)
	}

	return false, e.finalize(ctx, runID, exec, sv, storage.ExecutionFailed, errorInfo(cause))
}

// scheduleRetry bumps sv's attempt counter and delays the next try by
// Interval*Backoff^(attempt-1) seconds: Inline mode sleeps in-process
// (capped by Config.InlineRetrySleepCap) and lets Step's loop re-enter
// the state fresh; Deferred mode creates a timer tagged "retry" and
// suspends, relying on the same TimerFired signal path Wait uses.
func (e *Engine) scheduleRetry(ctx context.Context, runID string, exec *storage.Execution, sv *storage.StateVisit, retry dsl.RetryPolicy) (bool, error) {
	delay := time.Duration(float64(retry.Interval())*math.Pow(retry.Backoff(), float64(sv.Attempt-1))) * time.Second

	nextAttempt := sv.Attempt + 1
	if err := e.Storage.UpdateState(ctx, sv.StateID, sv.Version, storage.StateVisitUpdate{Attempt: &nextAttempt}); err != nil {
		return false, fmt.Errorf("engine: bump retry attempt: %w", err)
	}

	if exec.Mode == storage.ModeInline {
		if cap := e.Config.InlineRetrySleepCap; cap > 0 && delay > cap {
			delay = cap
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		return true, nil
	}

	fireAt := time.Now().UTC().Add(delay)
	if _, err := e.Timers.Create(ctx, runID, exec.CurrentState, fireAt, map[string]any{"purpose": "retry"}); err != nil {
		return false, fmt.Errorf("engine: create retry timer: %w", err)
	}
	waiting := storage.ExecutionWaiting
	if err := e.Storage.UpdateExecution(ctx, runID, exec.Version, storage.ExecutionUpdate{Status: &waiting}); err != nil {
		return false, fmt.Errorf("engine: mark waiting for retry: %w", err)
	}
	return false, nil
}

// routeCatch merges cause's error info at catch.Path() and transitions
// to catch.Next. A caught error's payload reaches the next state
// directly, never through the failed state's own output_mapping —
// output_mapping is a property of handler success output only.
func (e *Engine) routeCatch(ctx context.Context, runID string, exec *storage.Execution, sv *storage.StateVisit, cause error, catch dsl.CatchPolicy) error {
	merged := maps.Clone(exec.Context)
	if merged == nil {
		merged = map[string]any{}
	}
	setByPath(merged, catch.Path(), errorInfo(cause))
	return e.transitionTo(ctx, runID, exec, sv, merged, catch.Next, storage.StateFailed, errorInfo(cause))
}

// setByPath sets value at a "$.a.b.c"-style dotted path inside root,
// creating intermediate objects as needed. Array segments are not
// supported since every Catch ResultPath observed in practice targets
// a plain object field.
func setByPath(root map[string]any, path string, value any) {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return
	}
	segs := strings.Split(path, ".")
	cur := root
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
}
