package handler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

func choiceState(rules []dsl.ChoiceRule, defaultNext *string) *dsl.StateDefinition {
	return &dsl.StateDefinition{Kind: dsl.KindChoice, Choices: rules, DefaultNext: defaultNext}
}

func TestChoiceHandler_FirstMatchingRuleWins(t *testing.T) {
	rules := []dsl.ChoiceRule{
		{Condition: dsl.Condition{Variable: "$.n", Operator: dsl.OpGreaterThan, Value: []byte("10")}, Next: "Big"},
		{Condition: dsl.Condition{Variable: "$.n", Operator: dsl.OpGreaterThan, Value: []byte("0")}, Next: "Positive"},
	}
	state := choiceState(rules, nil)
	out, err := ChoiceHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{Context: map[string]any{"n": 5.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Positive", out.NextState)
	assert.True(t, out.ShouldContinue)
}

func TestChoiceHandler_FallsBackToDefaultNext(t *testing.T) {
	def := "Default"
	rules := []dsl.ChoiceRule{
		{Condition: dsl.Condition{Variable: "$.n", Operator: dsl.OpEquals, Value: []byte("99")}, Next: "Never"},
	}
	state := choiceState(rules, &def)
	out, err := ChoiceHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{Context: map[string]any{"n": 5.0}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Default", out.NextState)
}

func TestChoiceHandler_NoMatchNoDefaultErrors(t *testing.T) {
	rules := []dsl.ChoiceRule{
		{Condition: dsl.Condition{Variable: "$.n", Operator: dsl.OpEquals, Value: []byte("99")}, Next: "Never"},
	}
	state := choiceState(rules, nil)
	_, err := ChoiceHandler{}.Handle(context.Background(), nil, RunContext{}, state, HandlerInput{Context: map[string]any{"n": 5.0}}, nil)
	require.Error(t, err)
}

func TestEvaluateCondition_IsPresentAndIsNull(t *testing.T) {
	root := map[string]any{"a": nil, "b": 1.0}
	present, err := evaluateCondition(dsl.Condition{Variable: "$.a", Operator: dsl.OpIsPresent}, root)
	require.NoError(t, err)
	assert.True(t, present)

	isNull, err := evaluateCondition(dsl.Condition{Variable: "$.a", Operator: dsl.OpIsNull}, root)
	require.NoError(t, err)
	assert.True(t, isNull)

	missingPresent, err := evaluateCondition(dsl.Condition{Variable: "$.missing", Operator: dsl.OpIsPresent}, root)
	require.NoError(t, err)
	assert.False(t, missingPresent)
}

func TestEvaluateCondition_NestedAndOrNot(t *testing.T) {
	root := map[string]any{"a": 1.0, "b": 2.0}
	cond := dsl.Condition{
		And: []dsl.Condition{
			{Variable: "$.a", Operator: dsl.OpEquals, Value: []byte("1")},
			{Not: &dsl.Condition{Variable: "$.b", Operator: dsl.OpEquals, Value: []byte("3")}},
		},
	}
	ok, err := evaluateCondition(cond, root)
	require.NoError(t, err)
	assert.True(t, ok)

	orCond := dsl.Condition{Or: []dsl.Condition{
		{Variable: "$.a", Operator: dsl.OpEquals, Value: []byte("9")},
		{Variable: "$.b", Operator: dsl.OpEquals, Value: []byte("2")},
	}}
	ok, err = evaluateCondition(orCond, root)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_ArrayIndexPath(t *testing.T) {
	root := map[string]any{"items": []any{map[string]any{"name": "x"}, map[string]any{"name": "y"}}}
	ok, err := evaluateCondition(dsl.Condition{Variable: "$.items[1].name", Operator: dsl.OpEquals, Value: []byte(`"y"`)}, root)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEvaluateCondition_StringMatchesWildcard(t *testing.T) {
	root := map[string]any{"name": "hello-world"}
	ok, err := evaluateCondition(dsl.Condition{Variable: "$.name", Operator: dsl.OpStringMatches, Value: []byte(`"hello-*"`)}, root)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = evaluateCondition(dsl.Condition{Variable: "$.name", Operator: dsl.OpStringMatches, Value: []byte(`"goodbye-*"`)}, root)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateCondition_ComparisonRequiresNumeric(t *testing.T) {
	root := map[string]any{"s": "not-a-number"}
	_, err := evaluateCondition(dsl.Condition{Variable: "$.s", Operator: dsl.OpGreaterThan, Value: []byte("1")}, root)
	require.Error(t, err)
}
