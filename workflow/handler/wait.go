package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/storage"
)

// WaitPurpose tags a timer created by WaitHandler so the engine's
// timer signaler can tell a Wait-state fire from an internal retry
// backoff fire sharing the same TimerFired signal path.
const WaitPurpose = "wait"

// WaitHandler delays until state.Seconds/Timestamp elapses. Inline
// mode sleeps in-process (bounded by ctx); Deferred mode
// creates a durable timer and suspends, resuming via ResumeTimerFired
// when the timer poller fires it. A Timestamp already in the past
// still goes through TimerService.Create for a uniform record trail —
// the poller's next tick fires it immediately in effect.
type WaitHandler struct{ noSubflow }

func (WaitHandler) StateType() dsl.StateKind { return dsl.KindWait }

func (WaitHandler) Handle(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, in HandlerInput, resume *Resume) (Outcome, error) {
	if resume != nil {
		if resume.Kind != ResumeTimerFired {
			return Outcome{}, fmt.Errorf("wait: unexpected resume kind %q", resume.Kind)
		}
		return continueFrom(state, in.Context), nil
	}

	fireAt, err := waitFireAt(state)
	if err != nil {
		return Outcome{}, err
	}

	if scope.Mode == storage.ModeInline {
		if err := sleepUntil(ctx, fireAt); err != nil {
			return Outcome{}, err
		}
		return continueFrom(state, in.Context), nil
	}

	if _, err := scope.Timers.Create(ctx, rc.RunID, rc.StateName, fireAt, map[string]any{"purpose": WaitPurpose}); err != nil {
		return Outcome{}, fmt.Errorf("wait: create timer: %w", err)
	}
	return Outcome{ShouldContinue: false}, nil
}

func waitFireAt(state *dsl.StateDefinition) (time.Time, error) {
	switch {
	case state.Seconds != nil:
		return time.Now().UTC().Add(time.Duration(*state.Seconds) * time.Second), nil
	case state.Timestamp != nil:
		t, err := time.Parse(time.RFC3339, *state.Timestamp)
		if err != nil {
			return time.Time{}, fmt.Errorf("wait: parse Timestamp: %w", err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("wait: state has neither Seconds nor Timestamp")
	}
}

func sleepUntil(ctx context.Context, fireAt time.Time) error {
	d := time.Until(fireAt)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func continueFrom(state *dsl.StateDefinition, context map[string]any) Outcome {
	out := Outcome{Output: context, ShouldContinue: true}
	if state.Next != nil {
		out.NextState = *state.Next
		out.HasNextState = true
	}
	return out
}
