// Package handler implements the state handlers: one handler per
// state kind (Task, Pass, Wait, Choice, Succeed, Fail, Parallel, Map),
// each satisfying the uniform Handle/StateType/OnSubflowFinished
// contract so the engine can dispatch by kind through a registry
// rather than a type switch at the call site.
package handler

import (
	"context"
	"log/slog"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/events"
	"github.com/stepflow-run/stepflow/workflow/queue"
	"github.com/stepflow-run/stepflow/workflow/resource"
	"github.com/stepflow-run/stepflow/workflow/storage"
	"github.com/stepflow-run/stepflow/workflow/timer"
)

// Scope is the per-step execution context threaded through a
// handler's Handle call, holding every capability a handler may need
// without reaching for a global.
type Scope struct {
	Storage   storage.Storage
	Queue     queue.Service
	Timers    timer.Service
	Resources resource.Registry
	Events    *events.Bus
	Logger    *slog.Logger
	Mode      storage.ExecutionMode
	QueueName string
	Config    Config
	Subflow   SubflowStarter
}

// RunContext identifies the (run, state, attempt) a Handle or
// OnSubflowFinished call is acting on, plus the state's current
// bookkeeping (see Outcome.Metadata).
type RunContext struct {
	RunID       string
	StateName   string
	Attempt     int
	Bookkeeping map[string]any
}

// ResumeKind discriminates why Handle is being re-entered on a state
// that previously suspended, rather than entered fresh.
type ResumeKind string

const (
	ResumeTaskCompleted ResumeKind = "TaskCompleted"
	ResumeTaskFailed    ResumeKind = "TaskFailed"
	ResumeTaskCancelled ResumeKind = "TaskCancelled"
	ResumeTimerFired    ResumeKind = "TimerFired"
)

// Resume carries the signal payload that woke a suspended state. It
// is nil when Handle is being called for the first time on a state.
type Resume struct {
	Kind      ResumeKind
	Output    map[string]any
	ErrorInfo map[string]any
}

// HandlerInput is what a handler receives after the engine has
// applied input_mapping and parameter_mapping:
// Context is the mapped state input every handler may read/pass
// through; Parameters is the further-mapped value Task uses to build
// its tool invocation.
type HandlerInput struct {
	Context    map[string]any
	Parameters map[string]any
}

// Outcome is a handler's return value.
//
// Output is the handler's raw result (an object for most kinds; an
// array for Parallel/Map). MergeKey, if non-empty, tells the engine to
// install Output under context[MergeKey] rather than merging an
// object Output's fields into the context; Parallel/Map use their own state name as that key
// since their natural result is an array, not an object. Metadata is
// persisted into the StateVisit's Output field across suspensions so
// a handler (Parallel/Map tracking in-flight branches) can read its own
// prior bookkeeping back via RunContext.Bookkeeping on the next call.
type Outcome struct {
	Output         any
	MergeKey       string
	NextState      string
	HasNextState   bool
	ShouldContinue bool
	Metadata       map[string]any
}

// SubflowResult is one child run's terminal outcome, delivered to a
// parent's OnSubflowFinished by the engine's subflow watcher.
type SubflowResult struct {
	ChildRunID  string
	BranchIndex int
	Succeeded   bool
	Output      map[string]any
	Error       map[string]any
}

// SubflowStarter is the narrow slice of the Workflow Engine that
// Parallel/Map need to fan out branches, injected through Scope so
// this package never imports workflow/engine (which imports this
// package to dispatch handlers — the cycle runs the other way).
type SubflowStarter interface {
	// StartSubflow creates a child run of branch with initCtx as its
	// starting context; in Deferred mode it also steps the child until
	// it first suspends or finishes.
	StartSubflow(ctx context.Context, branch *dsl.Branch, initCtx map[string]any, mode storage.ExecutionMode, parentRunID, parentStateName string, branchIndex int) (string, error)

	// RunInlineSubflow drives a just-started Inline child run to
	// completion and returns its final execution record.
	RunInlineSubflow(ctx context.Context, runID string) (*storage.Execution, error)
}

// Handler implements one state kind's execution semantics.
type Handler interface {
	StateType() dsl.StateKind

	// Handle executes one attempt at rc's state. resume is nil on a
	// fresh entry (or a retry re-entry) and non-nil when woken by a
	// signal the handler itself requested (task dispatch, wait timer).
	Handle(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, in HandlerInput, resume *Resume) (Outcome, error)

	// OnSubflowFinished is invoked when the subflow watcher reports a
	// child run of rc's state reaching a terminal status. Must be
	// idempotent against duplicate notifications for the same
	// ChildRunID. Non-fan-out handlers never receive this
	// call; their implementation is a trivial no-op.
	OnSubflowFinished(ctx context.Context, scope *Scope, rc RunContext, state *dsl.StateDefinition, parentCtx map[string]any, result SubflowResult) (Outcome, error)
}

// noSubflow is embedded by handlers that never fan out, giving them a
// trivial OnSubflowFinished.
type noSubflow struct{}

func (noSubflow) OnSubflowFinished(context.Context, *Scope, RunContext, *dsl.StateDefinition, map[string]any, SubflowResult) (Outcome, error) {
	return Outcome{}, nil
}

// Registry maps a state kind to its handler, the same named-registry
// idiom as workflow/exception's error registry.
type Registry struct {
	handlers map[dsl.StateKind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[dsl.StateKind]Handler)}
}

func (r *Registry) Register(h Handler) {
	r.handlers[h.StateType()] = h
}

func (r *Registry) Get(kind dsl.StateKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Default returns a Registry populated with the eight built-in
// handlers, the handler-package equivalent of exception's init()
// builtin registration.
func Default() *Registry {
	r := NewRegistry()
	r.Register(TaskHandler{})
	r.Register(PassHandler{})
	r.Register(WaitHandler{})
	r.Register(ChoiceHandler{})
	r.Register(SucceedHandler{})
	r.Register(FailHandler{})
	r.Register(ParallelHandler{})
	r.Register(MapHandler{})
	return r
}
