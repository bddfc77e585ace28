package mapping

import (
	"fmt"
	"regexp"

	"github.com/stepflow-run/stepflow/workflow/dsl"
)

var refPattern = regexp.MustCompile(`\{\{\s*\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// referencedKeys returns the rule keys a rule's Source/Transform/
// Template strings reference via "{{.key}}" placeholders, plus any
// explicit DependsOn entries.
func referencedKeys(r dsl.MappingRule, known map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			key := m[1]
			if known[key] && !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	add(r.Source)
	add(r.Transform)
	add(r.Template)
	for _, dep := range r.DependsOn {
		if known[dep] && !seen[dep] {
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}

// order topologically sorts rules so that every rule is preceded by
// the rules it depends on, breaking ties by input (declaration) order
// so output is deterministic.
func order(rules dsl.MappingDSL) ([]int, error) {
	n := len(rules)
	known := make(map[string]bool, n)
	for _, r := range rules {
		if r.Key != "" {
			known[r.Key] = true
		}
	}

	deps := make([][]int, n)
	keyIndex := map[string]int{}
	for i, r := range rules {
		if r.Key != "" {
			keyIndex[r.Key] = i
		}
	}
	for i, r := range rules {
		for _, key := range referencedKeys(r, known) {
			if j, ok := keyIndex[key]; ok && j != i {
				deps[i] = append(deps[i], j)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, n)
	var result []int
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case black:
			return nil
		case gray:
			return newError(ErrCircularDependency, rules[i].Key,
				fmt.Errorf("cycle through %v", append(append([]string{}, path...), rules[i].Key)))
		}
		color[i] = gray
		path = append(path, rules[i].Key)
		for _, d := range deps[i] {
			if err := visit(d); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		result = append(result, i)
		return nil
	}

	for i := range rules {
		if color[i] == white {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}
