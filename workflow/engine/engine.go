// Package engine implements the workflow engine: the component that
// loads a run's current state, applies input/parameter mapping,
// dispatches to the matching state handler, applies output mapping or
// the retry/catch policy on failure, and transitions (or suspends)
// accordingly.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/exception"
	"github.com/stepflow-run/stepflow/workflow/handler"
	"github.com/stepflow-run/stepflow/workflow/mapping"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
	"github.com/stepflow-run/stepflow/workflow/timer"
)

// Engine ties every other component (storage, the Match Service, the
// Timer Service, the resource registry, the event bus and the State
// Handlers) into the step/resume loop that drives a run.
type Engine struct {
	Storage   storage.Storage
	TxManager storage.TransactionManager
	Handlers  *handler.Registry
	Queue     queue.Service
	Timers    timer.Service
	Resources resource.Registry
	Events    *events.Bus
	Logger    *slog.Logger
	Config    handler.Config
	QueueName string
}

// New constructs an Engine wired with the default handler registry,
// the package default Config, and slog.Default() as the logger if
// none is supplied, following the
// Default*Config()-everywhere idiom used elsewhere in this codebase.
func New(store storage.Storage, txm storage.TransactionManager, q queue.Service, t timer.Service, res resource.Registry, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Storage:   store,
		TxManager: txm,
		Handlers:  handler.Default(),
		Queue:     q,
		Timers:    t,
		Resources: res,
		Events:    bus,
		Logger:    logger,
		Config:    handler.DefaultConfig(),
		QueueName: "default",
	}
}

// Start validates wf, persists it alongside a new Execution, and
// drives the run forward until it suspends or finishes: a run always
// makes at least one transition attempt before control returns to the
// caller.
func (e *Engine) Start(ctx context.Context, wf *dsl.Workflow, initCtx map[string]any, mode storage.ExecutionMode) (string, error) {
	if err := wf.Validate(); err != nil {
		return "", fmt.Errorf("engine: invalid workflow: %w", err)
	}
	runID := uuid.NewString()
	if initCtx == nil {
		initCtx = map[string]any{}
	}
	exec := &storage.Execution{
		RunID:        runID,
		Mode:         mode,
		Status:       storage.ExecutionRunning,
		CurrentState: wf.StartAt,
		Context:      initCtx,
		StartedAt:    time.Now().UTC(),
		Version:      1,
	}
	if err := e.storeWorkflow(ctx, runID, wf); err != nil {
		return "", err
	}
	if err := e.Storage.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("engine: create execution: %w", err)
	}
	env := e.Events.Publish(events.WorkflowStarted, runID, map[string]any{"start_at": wf.StartAt})
	if err := e.Storage.AppendEvent(ctx, eventRecord(runID, env.Type, env.Payload)); err != nil {
		e.Logger.Error("append event failed", "run_id", runID, "type", env.Type, "error", err)
	}
	e.upsertVisibility(ctx, exec)

	return runID, e.Step(ctx, runID)
}

// StartSubflow implements handler.SubflowStarter for Parallel/Map: it
// starts a child run of branch as a Workflow of its own, parented to
// (parentRunID, parentStateName, branchIndex) so the subflow watcher
// (or an inline caller) can report its result back to the right
// Parallel/Map branch slot. A Deferred child is stepped until it first
// suspends or finishes; an Inline child is left for RunInlineSubflow.
func (e *Engine) StartSubflow(ctx context.Context, branch *dsl.Branch, initCtx map[string]any, mode storage.ExecutionMode, parentRunID, parentStateName string, branchIndex int) (string, error) {
	wf := &dsl.Workflow{StartAt: branch.StartAt, States: branch.States}
	if err := wf.Validate(); err != nil {
		return "", fmt.Errorf("engine: invalid branch: %w", err)
	}
	runID := uuid.NewString()
	if initCtx == nil {
		initCtx = map[string]any{}
	}
	exec := &storage.Execution{
		RunID:           runID,
		Mode:            mode,
		Status:          storage.ExecutionRunning,
		CurrentState:    wf.StartAt,
		ParentRunID:     parentRunID,
		ParentStateName: parentStateName,
		Context:         initCtx,
		StartedAt:       time.Now().UTC(),
		Version:         1,
	}
	if err := e.storeWorkflow(ctx, runID, wf); err != nil {
		return "", err
	}
	if err := e.Storage.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("engine: create subflow execution: %w", err)
	}
	e.Events.Publish(events.WorkflowStarted, runID, map[string]any{
		"start_at":          wf.StartAt,
		"parent_run_id":     parentRunID,
		"parent_state_name": parentStateName,
		"branch_index":      branchIndex,
	})
	if mode == storage.ModeDeferred {
		if err := e.Step(ctx, runID); err != nil {
			return "", err
		}
	}
	return runID, nil
}

// RunInlineSubflow implements handler.SubflowStarter: it drives a
// freshly started Inline child run to completion and returns its
// final record. Inline children never suspend on an external signal,
// so one Step call always reaches a terminal status.
func (e *Engine) RunInlineSubflow(ctx context.Context, runID string) (*storage.Execution, error) {
	if err := e.Step(ctx, runID); err != nil {
		return nil, err
	}
	return e.Storage.GetExecution(ctx, runID)
}

// Step drives runID's state machine forward one tick at a time until
// it either suspends (a handler returned should_continue=false on a
// non-terminal state) or reaches a terminal status.
func (e *Engine) Step(ctx context.Context, runID string) error {
	for {
		cont, err := e.tick(ctx, runID, nil)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
}

// tick executes exactly one state's Handle call (or OnSubflowFinished,
// via resumeSubflow) and applies its outcome, returning whether the
// run is still runnable in-process (true) or has suspended/finished
// (false).
func (e *Engine) tick(ctx context.Context, runID string, resume *handler.Resume) (bool, error) {
	exec, err := e.Storage.GetExecution(ctx, runID)
	if err != nil {
		return false, err
	}
	if isTerminalStatus(exec.Status) {
		return false, nil
	}

	wf, err := e.loadWorkflow(ctx, runID)
	if err != nil {
		return false, err
	}
	state, ok := wf.States[exec.CurrentState]
	if !ok {
		return false, fmt.Errorf("engine: run %s: state %q not found", runID, exec.CurrentState)
	}

	sv, isNew, err := e.currentStateVisit(ctx, runID, exec.CurrentState)
	if err != nil {
		return false, err
	}

	var in handler.HandlerInput
	if resume == nil {
		inCtx, params, err := e.buildInput(state, exec.Context)
		if err != nil {
			if isNew {
				if cerr := e.Storage.CreateState(ctx, sv); cerr != nil {
					return false, fmt.Errorf("engine: create state visit: %w", cerr)
				}
			}
			return e.onError(ctx, runID, exec, state, sv, err)
		}
		in = handler.HandlerInput{Context: inCtx, Parameters: params}
		if isNew {
			sv.Input = inCtx
			if err := e.Storage.CreateState(ctx, sv); err != nil {
				return false, fmt.Errorf("engine: create state visit: %w", err)
			}
		}
	} else {
		in = handler.HandlerInput{Context: maps.Clone(exec.Context)}
	}

	rc := handler.RunContext{RunID: runID, StateName: exec.CurrentState, Attempt: sv.Attempt, Bookkeeping: sv.Output}
	scope := e.scopeFor(exec.Mode)

	h, ok := e.Handlers.Get(state.Kind)
	if !ok {
		return false, fmt.Errorf("engine: no handler registered for state kind %q", state.Kind)
	}

	e.Events.Publish(events.NodeEnter, runID, map[string]any{"state": exec.CurrentState})
	outcome, err := h.Handle(ctx, scope, rc, state, in, resume)
	if err != nil {
		return e.onError(ctx, runID, exec, state, sv, err)
	}
	return e.onSuccess(ctx, runID, exec, state, sv, outcome)
}

func (e *Engine) buildInput(state *dsl.StateDefinition, execCtx map[string]any) (map[string]any, map[string]any, error) {
	inCtx := execCtx
	if !state.InputMapping.Empty() {
		res, err := mapping.Apply(state.InputMapping, execCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: input_mapping: %w", err)
		}
		m, ok := res.Output.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("engine: input_mapping must produce an object")
		}
		inCtx = m
	}
	params := inCtx
	if !state.ParameterMapping.Empty() {
		res, err := mapping.Apply(state.ParameterMapping, inCtx)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: parameter_mapping: %w", err)
		}
		m, ok := res.Output.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("engine: parameter_mapping must produce an object")
		}
		params = m
	}
	return inCtx, params, nil
}

func (e *Engine) scopeFor(mode storage.ExecutionMode) *handler.Scope {
	return &handler.Scope{
		Storage:   e.Storage,
		Queue:     e.Queue,
		Timers:    e.Timers,
		Resources: e.Resources,
		Events:    e.Events,
		Logger:    e.Logger,
		Mode:      mode,
		QueueName: e.QueueName,
		Config:    e.Config,
		Subflow:   e,
	}
}

// currentStateVisit fetches the most recent StateVisit for (runID,
// stateName), reusing it when not yet terminal (covers retries and
// signal-resumption) and otherwise creating a fresh Attempt=1 record
// (covers first entry, and re-entering a state name previously visited
// to completion via a Choice loop-back).
func (e *Engine) currentStateVisit(ctx context.Context, runID, stateName string) (*storage.StateVisit, bool, error) {
	all, err := e.Storage.FindStatesByRunID(ctx, runID, 0, 0)
	if err != nil {
		return nil, false, err
	}
	var latest *storage.StateVisit
	for _, sv := range all {
		if sv.StateName != stateName {
			continue
		}
		if latest == nil || sv.StartedAt.After(latest.StartedAt) {
			latest = sv
		}
	}
	if latest != nil && !isTerminalStateStatus(latest.Status) {
		return latest, false, nil
	}
	sv := &storage.StateVisit{
		StateID:   uuid.NewString(),
		RunID:     runID,
		StateName: stateName,
		Status:    storage.StateRunning,
		Attempt:   1,
		StartedAt: time.Now().UTC(),
		Version:   1,
	}
	return sv, true, nil
}

func isTerminalStateStatus(s storage.StateStatus) bool {
	return s == storage.StateSucceeded || s == storage.StateFailed || s == storage.StateCancelled
}

func isTerminalStatus(s storage.ExecutionStatus) bool {
	return s == storage.ExecutionCompleted || s == storage.ExecutionFailed || s == storage.ExecutionCancelled
}

func (e *Engine) storeWorkflow(ctx context.Context, runID string, wf *dsl.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("engine: marshal workflow: %w", err)
	}
	var def map[string]any
	if err := json.Unmarshal(data, &def); err != nil {
		return fmt.Errorf("engine: re-decode workflow: %w", err)
	}
	return e.Storage.PutTemplate(ctx, &storage.Template{Name: runID, Version: 1, Definition: def, CreatedAt: time.Now().UTC()})
}

func (e *Engine) loadWorkflow(ctx context.Context, runID string) (*dsl.Workflow, error) {
	tpl, err := e.Storage.GetTemplate(ctx, runID, 1)
	if err != nil {
		return nil, fmt.Errorf("engine: load workflow: %w", err)
	}
	data, err := json.Marshal(tpl.Definition)
	if err != nil {
		return nil, fmt.Errorf("engine: re-encode workflow: %w", err)
	}
	var wf dsl.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("engine: decode workflow: %w", err)
	}
	return &wf, nil
}

func (e *Engine) upsertVisibility(ctx context.Context, exec *storage.Execution) {
	err := e.Storage.UpsertVisibility(ctx, &storage.Visibility{
		RunID:      exec.RunID,
		Status:     exec.Status,
		StartedAt:  exec.StartedAt,
		FinishedAt: exec.FinishedAt,
	})
	if err != nil {
		e.Logger.Error("upsert visibility failed", "run_id", exec.RunID, "error", err)
	}
}

// eventRecord builds a durable event-log row mirroring a bus
// envelope, so critical transitions survive in storage even when no
// bus subscriber was listening.
func eventRecord(runID string, typ events.Type, payload map[string]any) *storage.Event {
	return &storage.Event{
		EventID:   uuid.NewString(),
		RunID:     runID,
		Type:      string(typ),
		Timestamp: time.Now().UTC(),
		Source:    "engine",
		Payload:   payload,
	}
}

// errorInfo is the {"error_type", "message"} shape persisted to
// StateVisit.Error / Execution.Result on failure, matching the
// convention workflow/queue's backends already write to QueueTask.Error.
func errorInfo(err error) map[string]any {
	return map[string]any{"error_type": exception.TypeOf(err), "message": err.Error()}
}
