package mapping

import "github.com/stepflow-run/stepflow/workflow/dsl"

// resolveSubMapping resolves source to an array (wrapping a single
// non-array match in a length-1 array, and an absent match in an empty
// array), then evaluates subRules once per element with the element
// (not the mapping's root) bound as input.
func resolveSubMapping(source string, subRules dsl.MappingDSL, root any) (any, error) {
	val, err := resolveJsonPath(source, root)
	if err != nil {
		return nil, err
	}

	var elements []any
	switch v := val.(type) {
	case []any:
		elements = v
	case nil:
		elements = nil
	default:
		elements = []any{v}
	}

	out := make([]any, 0, len(elements))
	for _, elem := range elements {
		result, _, err := applyRules(subRules, elem)
		if err != nil {
			return nil, err
		}
		out = append(out, result)
	}
	return out, nil
}
