package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/stepflow-run/stepflow/workflow/dsl"
	"github.com/stepflow-run/stepflow/workflow/exception"
)

// ChoiceHandler evaluates rules in declaration order; the first
// true rule's Next wins, falling back to DefaultNext, and a rule-less
// miss fails the run with ChoiceNoMatch. Conditions are boolean
// expression trees over JSON-Path variables.
type ChoiceHandler struct{ noSubflow }

func (ChoiceHandler) StateType() dsl.StateKind { return dsl.KindChoice }

func (ChoiceHandler) Handle(_ context.Context, _ *Scope, _ RunContext, state *dsl.StateDefinition, in HandlerInput, _ *Resume) (Outcome, error) {
	for _, rule := range state.Choices {
		ok, err := evaluateCondition(rule.Condition, in.Context)
		if err != nil {
			return Outcome{}, exception.Wrap("ChoiceNoMatch", "condition evaluation failed", err)
		}
		if ok {
			return Outcome{Output: in.Context, NextState: rule.Next, HasNextState: true, ShouldContinue: true}, nil
		}
	}
	if state.DefaultNext != nil {
		return Outcome{Output: in.Context, NextState: *state.DefaultNext, HasNextState: true, ShouldContinue: true}, nil
	}
	return Outcome{}, exception.New("ChoiceNoMatch", "no Choice rule matched and DefaultNext is unset")
}

// evaluateCondition walks one node of a Choice rule's boolean
// expression tree. Comparisons coerce numerics to float64; string ops
// are byte-exact; IsNull/IsPresent distinguish a missing field from an
// explicit JSON null.
func evaluateCondition(c dsl.Condition, root any) (bool, error) {
	switch {
	case c.Not != nil:
		v, err := evaluateCondition(*c.Not, root)
		if err != nil {
			return false, err
		}
		return !v, nil
	case len(c.And) > 0:
		for _, sub := range c.And {
			v, err := evaluateCondition(sub, root)
			if err != nil {
				return false, err
			}
			if !v {
				return false, nil
			}
		}
		return true, nil
	case len(c.Or) > 0:
		for _, sub := range c.Or {
			v, err := evaluateCondition(sub, root)
			if err != nil {
				return false, err
			}
			if v {
				return true, nil
			}
		}
		return false, nil
	}

	value, present := lookupVariable(c.Variable, root)

	switch c.Operator {
	case dsl.OpIsPresent:
		return present, nil
	case dsl.OpIsNull:
		return present && value == nil, nil
	case dsl.OpIsNumeric:
		_, ok := toFloat(value)
		return ok, nil
	case dsl.OpIsString:
		_, ok := value.(string)
		return ok, nil
	case dsl.OpIsBoolean:
		_, ok := value.(bool)
		return ok, nil
	}

	var literal any
	if len(c.Value) > 0 {
		if err := json.Unmarshal(c.Value, &literal); err != nil {
			return false, fmt.Errorf("choice: decode condition value: %w", err)
		}
	}

	switch c.Operator {
	case dsl.OpEquals:
		return reflect.DeepEqual(value, literal), nil
	case dsl.OpNotEquals:
		return !reflect.DeepEqual(value, literal), nil
	case dsl.OpLessThan, dsl.OpLessThanEquals, dsl.OpGreaterThan, dsl.OpGreaterThanEquals:
		vf, ok1 := toFloat(value)
		lf, ok2 := toFloat(literal)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("choice: %s requires numeric operands", c.Operator)
		}
		switch c.Operator {
		case dsl.OpLessThan:
			return vf < lf, nil
		case dsl.OpLessThanEquals:
			return vf <= lf, nil
		case dsl.OpGreaterThan:
			return vf > lf, nil
		default:
			return vf >= lf, nil
		}
	case dsl.OpStringMatches:
		vs, ok1 := value.(string)
		ls, ok2 := literal.(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("choice: StringMatches requires string operands")
		}
		return wildcardMatch(ls, vs), nil
	default:
		return false, fmt.Errorf("choice: unknown operator %q", c.Operator)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// lookupVariable resolves a "$."-prefixed JSON-Path against root,
// reporting whether the path was present at all (vs. missing), since
// the mapping engine's JsonPath resolver collapses both to nil and
// Choice needs to tell them apart for IsNull/IsPresent.
func lookupVariable(path string, root any) (value any, present bool) {
	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range splitPath(path) {
		if idx, ok := arrayIndex(seg); ok {
			arr, ok := cur.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			cur = arr[idx]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := obj[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// splitPath turns "a.b[0].c" into ["a","b","[0]","c"].
func splitPath(path string) []string {
	var segs []string
	for _, dotPart := range strings.Split(path, ".") {
		for dotPart != "" {
			if dotPart[0] == '[' {
				end := strings.IndexByte(dotPart, ']')
				if end < 0 {
					segs = append(segs, dotPart)
					break
				}
				segs = append(segs, dotPart[:end+1])
				dotPart = dotPart[end+1:]
				continue
			}
			start := strings.IndexByte(dotPart, '[')
			if start < 0 {
				segs = append(segs, dotPart)
				break
			}
			segs = append(segs, dotPart[:start])
			dotPart = dotPart[start:]
		}
	}
	return segs
}

func arrayIndex(seg string) (int, bool) {
	if len(seg) < 3 || seg[0] != '[' || seg[len(seg)-1] != ']' {
		return 0, false
	}
	n, err := strconv.Atoi(seg[1 : len(seg)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// wildcardMatch implements StringMatches' "*" glob semantics (no
// other metacharacters), the common subset every Step-Functions-style
// Choice condition language supports for this operator.
func wildcardMatch(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
