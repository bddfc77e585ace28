package mapping

import (
	"github.com/expr-lang/expr"
)

// resolveExpression evaluates transform as an expr-lang expression
// with "input" bound to root. expr-lang's VM performs no ambient I/O
// and has no access to the host process beyond the supplied
// environment, so user expressions stay sandboxed.
func resolveExpression(transform string, root any) (any, error) {
	env := map[string]any{"input": root}
	program, err := expr.Compile(transform, expr.Env(env))
	if err != nil {
		return nil, err
	}
	return expr.Run(program, env)
}
