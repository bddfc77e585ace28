package mapping

import (
	"github.com/PaesslerAG/jsonpath"
)

// resolveJsonPath evaluates a JSON-Path expression against root and
// returns the first match. A path that resolves to nothing yields nil
// (JSON null) rather than an error.
func resolveJsonPath(path string, root any) (any, error) {
	v, err := jsonpath.Get(path, root)
	if err != nil {
		// PaesslerAG/jsonpath reports an error for any unresolved
		// segment (missing key, out-of-range index, nil intermediate).
		// A missing path means JSON null here, not an engine error.
		return nil, nil
	}
	return v, nil
}
