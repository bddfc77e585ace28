// Package mapping implements the rule-driven JSON-to-JSON
// transformation engine: a dependency-sorted list of
// rules, each producing a value by one of five strategies, merged into
// a result object (or unwrapped to a scalar for the single-rule
// "value" case).
package mapping

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/expr-lang/expr"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

// StepSnapshot records the outcome of evaluating one rule, for
// observability.
type StepSnapshot struct {
	Key     string
	Success bool
	Skipped bool
	Error   string
	Output  any
}

// Result is the engine's return value: the merged output plus a
// per-rule trail.
type Result struct {
	Output any
	Steps  []StepSnapshot
}

// Apply evaluates m against root and returns the merged JSON value.
func Apply(m dsl.MappingDSL, root any) (Result, error) {
	out, steps, err := applyRules(m, root)
	if err != nil {
		return Result{Steps: steps}, err
	}
	return Result{Output: out, Steps: steps}, nil
}

func applyRules(rules dsl.MappingDSL, root any) (any, []StepSnapshot, error) {
	if rules.Empty() {
		return map[string]any{}, nil, nil
	}

	idx, err := order(rules)
	if err != nil {
		return nil, nil, err
	}

	result := map[string]any{}
	steps := make([]StepSnapshot, 0, len(rules))

	for _, i := range idx {
		r := rules[i]

		if r.Condition != "" {
			ok, err := evalCondition(r.Condition, root)
			if err != nil {
				return nil, steps, newError(ErrExpression, r.Key, fmt.Errorf("condition: %w", err))
			}
			if !ok {
				steps = append(steps, StepSnapshot{Key: r.Key, Skipped: true})
				continue
			}
		}

		output, err := evalRule(r, root)
		if err != nil {
			steps = append(steps, StepSnapshot{Key: r.Key, Error: err.Error()})
			return nil, steps, err
		}

		mergeInto(result, r.Key, output, r.Merge())
		steps = append(steps, StepSnapshot{Key: r.Key, Success: true, Output: output})
	}

	if len(rules) == 1 && rules[0].Key == "value" {
		return result["value"], steps, nil
	}
	return result, steps, nil
}

func evalRule(r dsl.MappingRule, root any) (any, error) {
	switch r.MappingType {
	case dsl.MappingConstant:
		if len(r.Value) == 0 {
			return nil, newError(ErrMissingField, r.Key, fmt.Errorf("constant rule has no value"))
		}
		var v any
		if err := json.Unmarshal(r.Value, &v); err != nil {
			return nil, newError(ErrMissingField, r.Key, err)
		}
		return v, nil

	case dsl.MappingJsonPath:
		v, err := resolveJsonPath(r.Source, root)
		if err != nil {
			return nil, newError(ErrJsonPath, r.Key, err)
		}
		return v, nil

	case dsl.MappingExpression:
		v, err := resolveExpression(r.Transform, root)
		if err != nil {
			return nil, newError(ErrExpression, r.Key, err)
		}
		return v, nil

	case dsl.MappingTemplate:
		s, err := resolveTemplate(r.Template, root)
		if err != nil {
			return nil, newError(ErrTemplate, r.Key, err)
		}
		return s, nil

	case dsl.MappingSubMapping:
		v, err := resolveSubMapping(r.Source, r.SubMappings, root)
		if err != nil {
			return nil, newError(ErrJsonPath, r.Key, err)
		}
		return v, nil

	default:
		return nil, newError(ErrUnsupportedType, r.Key, fmt.Errorf("unknown mapping type %q", r.MappingType))
	}
}

func evalCondition(expression string, root any) (bool, error) {
	env := map[string]any{"input": root}
	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

func mergeInto(result map[string]any, key string, output any, strategy dsl.MergeStrategy) {
	switch strategy {
	case dsl.MergeMergeObject:
		existing, ok1 := result[key].(map[string]any)
		incoming, ok2 := output.(map[string]any)
		if ok1 && ok2 {
			merged := maps.Clone(existing)
			maps.Copy(merged, incoming)
			result[key] = merged
			return
		}
		result[key] = output

	case dsl.MergeAppendArray:
		existing, _ := result[key].([]any)
		if arr, ok := output.([]any); ok {
			result[key] = append(existing, arr...)
		} else {
			result[key] = append(existing, output)
		}

	default: // Overwrite
		result[key] = output
	}
}
