// Package dsl defines the workflow description language: state kinds,
// retry/catch policies, Choice condition trees, and the mapping
// sub-language used to move data between states.
package dsl

import (
	"encoding/json"
	"fmt"
)

// StateKind discriminates the kind of a state definition.
type StateKind string

const (
	KindTask     StateKind = "Task"
	KindPass     StateKind = "Pass"
	KindWait     StateKind = "Wait"
	KindChoice   StateKind = "Choice"
	KindSucceed  StateKind = "Succeed"
	KindFail     StateKind = "Fail"
	KindParallel StateKind = "Parallel"
	KindMap      StateKind = "Map"
)

// RetryPolicy controls re-execution after a matching error. Pointer
// fields distinguish "not set" from the zero value so defaults can be
// applied at evaluation time.
type RetryPolicy struct {
	ErrorEquals     []string `json:"ErrorEquals"`
	IntervalSeconds *uint32  `json:"IntervalSeconds,omitempty"`
	BackoffRate     *float64 `json:"BackoffRate,omitempty"`
	MaxAttempts     *uint32  `json:"MaxAttempts,omitempty"`
}

const (
	DefaultIntervalSeconds uint32  = 1
	DefaultBackoffRate     float64 = 2.0
	DefaultMaxAttempts     uint32  = 3
)

func (p RetryPolicy) Interval() uint32 {
	if p.IntervalSeconds != nil {
		return *p.IntervalSeconds
	}
	return DefaultIntervalSeconds
}

func (p RetryPolicy) Backoff() float64 {
	if p.BackoffRate != nil {
		return *p.BackoffRate
	}
	return DefaultBackoffRate
}

func (p RetryPolicy) Attempts() uint32 {
	if p.MaxAttempts != nil {
		return *p.MaxAttempts
	}
	return DefaultMaxAttempts
}

// CatchPolicy routes a matching error to Next, recording the error
// in context at ResultPath.
type CatchPolicy struct {
	ErrorEquals []string `json:"ErrorEquals"`
	Next        string   `json:"Next"`
	ResultPath  *string  `json:"ResultPath,omitempty"`
}

const DefaultResultPath = "$.error"

func (c CatchPolicy) Path() string {
	if c.ResultPath != nil {
		return *c.ResultPath
	}
	return DefaultResultPath
}

// Operator is a Choice condition comparison operator.
type Operator string

const (
	OpEquals            Operator = "Equals"
	OpNotEquals         Operator = "NotEquals"
	OpLessThan          Operator = "LessThan"
	OpLessThanEquals    Operator = "LessThanEquals"
	OpGreaterThan       Operator = "GreaterThan"
	OpGreaterThanEquals Operator = "GreaterThanEquals"
	OpStringMatches     Operator = "StringMatches"
	OpIsNull            Operator = "IsNull"
	OpIsPresent         Operator = "IsPresent"
	OpIsNumeric         Operator = "IsNumeric"
	OpIsString          Operator = "IsString"
	OpIsBoolean         Operator = "IsBoolean"
)

// Condition is a node in a Choice rule's boolean expression tree.
// Exactly one of the leaf form (Variable+Operator[+Value]) or a
// combinator form (And/Or/Not) is populated.
type Condition struct {
	Variable string          `json:"Variable,omitempty"`
	Operator Operator        `json:"Operator,omitempty"`
	Value    json.RawMessage `json:"Value,omitempty"`

	And []Condition `json:"And,omitempty"`
	Or  []Condition `json:"Or,omitempty"`
	Not *Condition  `json:"Not,omitempty"`
}

func (c Condition) IsCombinator() bool {
	return len(c.And) > 0 || len(c.Or) > 0 || c.Not != nil
}

// ChoiceRule pairs a condition with the state to transition to when it
// evaluates true.
type ChoiceRule struct {
	Condition Condition `json:"Condition"`
	Next      string    `json:"Next"`
}

// Branch is a sub-workflow template used by Parallel (as-is) and Map
// (instantiated once per item).
type Branch struct {
	StartAt string                      `json:"StartAt"`
	States  map[string]*StateDefinition `json:"States"`
}

// StateDefinition is the discriminated union of all state kinds. JSON
// decoding is custom because the wire format uses a PascalCase "Type"
// discriminator rather than Go's type system.
type StateDefinition struct {
	Kind StateKind

	// Common fields, all state kinds.
	InputMapping     MappingDSL    `json:"InputMapping,omitempty"`
	ParameterMapping MappingDSL    `json:"ParameterMapping,omitempty"`
	OutputMapping    MappingDSL    `json:"OutputMapping,omitempty"`
	Retry            []RetryPolicy `json:"Retry,omitempty"`
	Catch            []CatchPolicy `json:"Catch,omitempty"`
	Next             *string       `json:"Next,omitempty"`
	End              bool          `json:"End,omitempty"`

	// Task
	Resource         string          `json:"Resource,omitempty"`
	Parameters       json.RawMessage `json:"Parameters,omitempty"`
	HeartbeatSeconds *uint32         `json:"HeartbeatSeconds,omitempty"`

	// Pass
	Result json.RawMessage `json:"Result,omitempty"`

	// Wait
	Seconds   *int64  `json:"Seconds,omitempty"`
	Timestamp *string `json:"Timestamp,omitempty"`

	// Choice
	Choices     []ChoiceRule `json:"Choices,omitempty"`
	DefaultNext *string      `json:"DefaultNext,omitempty"`

	// Fail
	Error string `json:"Error,omitempty"`
	Cause string `json:"Cause,omitempty"`

	// Parallel
	Branches       []Branch `json:"Branches,omitempty"`
	MaxConcurrency *int     `json:"MaxConcurrency,omitempty"`

	// Map
	ItemsPath      string  `json:"ItemsPath,omitempty"`
	Iterator       *Branch `json:"Iterator,omitempty"`
	ItemContextKey *string `json:"ItemContextKey,omitempty"`
}

// IsTerminal reports whether this state ends the run without a Next.
func (s *StateDefinition) IsTerminal() bool {
	return s.End || s.Kind == KindSucceed || s.Kind == KindFail
}

func (s *StateDefinition) ItemKey() string {
	if s.ItemContextKey != nil {
		return *s.ItemContextKey
	}
	return "item"
}

type stateWire struct {
	Type             StateKind       `json:"Type"`
	InputMapping     MappingDSL      `json:"InputMapping,omitempty"`
	ParameterMapping MappingDSL      `json:"ParameterMapping,omitempty"`
	OutputMapping    MappingDSL      `json:"OutputMapping,omitempty"`
	Retry            []RetryPolicy   `json:"Retry,omitempty"`
	Catch            []CatchPolicy   `json:"Catch,omitempty"`
	Next             *string         `json:"Next,omitempty"`
	End              bool            `json:"End,omitempty"`
	Resource         string          `json:"Resource,omitempty"`
	Parameters       json.RawMessage `json:"Parameters,omitempty"`
	HeartbeatSeconds *uint32         `json:"HeartbeatSeconds,omitempty"`
	Result           json.RawMessage `json:"Result,omitempty"`
	Seconds          *int64          `json:"Seconds,omitempty"`
	Timestamp        *string         `json:"Timestamp,omitempty"`
	Choices          []ChoiceRule    `json:"Choices,omitempty"`
	DefaultNext      *string         `json:"DefaultNext,omitempty"`
	Error            string          `json:"Error,omitempty"`
	Cause            string          `json:"Cause,omitempty"`
	Branches         []Branch        `json:"Branches,omitempty"`
	MaxConcurrency   *int            `json:"MaxConcurrency,omitempty"`
	ItemsPath        string          `json:"ItemsPath,omitempty"`
	Iterator         *Branch         `json:"Iterator,omitempty"`
	ItemContextKey   *string         `json:"ItemContextKey,omitempty"`
}

func (s *StateDefinition) UnmarshalJSON(data []byte) error {
	var w stateWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("dsl: decode state: %w", err)
	}
	*s = StateDefinition{
		Kind:             w.Type,
		InputMapping:     w.InputMapping,
		ParameterMapping: w.ParameterMapping,
		OutputMapping:    w.OutputMapping,
		Retry:            w.Retry,
		Catch:            w.Catch,
		Next:             w.Next,
		End:              w.End,
		Resource:         w.Resource,
		Parameters:       w.Parameters,
		HeartbeatSeconds: w.HeartbeatSeconds,
		Result:           w.Result,
		Seconds:          w.Seconds,
		Timestamp:        w.Timestamp,
		Choices:          w.Choices,
		DefaultNext:      w.DefaultNext,
		Error:            w.Error,
		Cause:            w.Cause,
		Branches:         w.Branches,
		MaxConcurrency:   w.MaxConcurrency,
		ItemsPath:        w.ItemsPath,
		Iterator:         w.Iterator,
		ItemContextKey:   w.ItemContextKey,
	}
	if s.Kind == "" {
		return fmt.Errorf("dsl: state missing Type")
	}
	return nil
}

func (s StateDefinition) MarshalJSON() ([]byte, error) {
	w := stateWire{
		Type:             s.Kind,
		InputMapping:     s.InputMapping,
		ParameterMapping: s.ParameterMapping,
		OutputMapping:    s.OutputMapping,
		Retry:            s.Retry,
		Catch:            s.Catch,
		Next:             s.Next,
		End:              s.End,
		Resource:         s.Resource,
		Parameters:       s.Parameters,
		HeartbeatSeconds: s.HeartbeatSeconds,
		Result:           s.Result,
		Seconds:          s.Seconds,
		Timestamp:        s.Timestamp,
		Choices:          s.Choices,
		DefaultNext:      s.DefaultNext,
		Error:            s.Error,
		Cause:            s.Cause,
		Branches:         s.Branches,
		MaxConcurrency:   s.MaxConcurrency,
		ItemsPath:        s.ItemsPath,
		Iterator:         s.Iterator,
		ItemContextKey:   s.ItemContextKey,
	}
	return json.Marshal(w)
}

// Workflow is a parsed DSL document: a state machine plus its entry
// point.
type Workflow struct {
	StartAt string                      `json:"StartAt"`
	States  map[string]*StateDefinition `json:"States"`
}

// Validate checks the workflow's structural invariants: StartAt and
// every Next resolve to a defined state, and exactly one of End/Next
// holds for non-terminal, non-Choice states.
func (w *Workflow) Validate() error {
	if w.StartAt == "" {
		return fmt.Errorf("dsl: workflow has no StartAt")
	}
	if _, ok := w.States[w.StartAt]; !ok {
		return fmt.Errorf("dsl: StartAt %q is not a defined state", w.StartAt)
	}
	for name, s := range w.States {
		if s.Kind == KindChoice {
			if len(s.Choices) == 0 {
				return fmt.Errorf("dsl: state %q: Choice has no rules", name)
			}
			for _, rule := range s.Choices {
				if _, ok := w.States[rule.Next]; !ok {
					return fmt.Errorf("dsl: state %q: choice rule Next %q undefined", name, rule.Next)
				}
			}
			if s.DefaultNext != nil {
				if _, ok := w.States[*s.DefaultNext]; !ok {
					return fmt.Errorf("dsl: state %q: DefaultNext %q undefined", name, *s.DefaultNext)
				}
			}
			continue
		}
		if s.IsTerminal() {
			continue
		}
		if s.Next == nil {
			return fmt.Errorf("dsl: state %q: non-terminal state has no Next", name)
		}
		if _, ok := w.States[*s.Next]; !ok {
			return fmt.Errorf("dsl: state %q: Next %q is not a defined state", name, *s.Next)
		}
	}
	return nil
}
