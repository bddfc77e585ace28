package exception

import "github.com/stepflow-run/stepflow/workflow/dsl"

const Wildcard = "*"

// MatchRetry scans policies in declaration order and returns the first
// whose ErrorEquals contains errorType or the wildcard "*".
func MatchRetry(errorType string, policies []dsl.RetryPolicy) (dsl.RetryPolicy, bool) {
	for _, p := range policies {
		for _, eq := range p.ErrorEquals {
			if eq == Wildcard || eq == errorType {
				return p, true
			}
		}
	}
	return dsl.RetryPolicy{}, false
}

// MatchCatch is MatchRetry's analogue for catch policies.
func MatchCatch(errorType string, policies []dsl.CatchPolicy) (dsl.CatchPolicy, bool) {
	for _, p := range policies {
		for _, eq := range p.ErrorEquals {
			if eq == Wildcard || eq == errorType {
				return p, true
			}
		}
	}
	return dsl.CatchPolicy{}, false
}
