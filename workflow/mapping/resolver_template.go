package mapping

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/valyala/fasttemplate"
)

// resolveTemplate renders template with root bound as "input", e.g.
// "hello {{input.name}}". The renderer performs pure substitution with
// no control flow and always produces a string.
func resolveTemplate(tmpl string, root any) (string, error) {
	t, err := fasttemplate.NewTemplate(tmpl, "{{", "}}")
	if err != nil {
		return "", err
	}
	var tagErr error
	out := t.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		val, err := lookupDotPath(strings.TrimSpace(tag), root)
		if err != nil {
			tagErr = err
			return 0, nil
		}
		return w.Write([]byte(stringify(val)))
	})
	if tagErr != nil {
		return "", tagErr
	}
	return out, nil
}

// lookupDotPath resolves a dotted path such as "input.user.name"
// against root, where the leading segment "input" refers to root
// itself.
func lookupDotPath(path string, root any) (any, error) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, fmt.Errorf("template: empty reference")
	}
	if segments[0] != "input" {
		return nil, fmt.Errorf("template: unsupported root %q (only \"input\" is bound)", segments[0])
	}
	cur := root
	for _, seg := range segments[1:] {
		switch v := cur.(type) {
		case map[string]any:
			cur = v[seg]
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				cur = nil
			} else {
				cur = v[idx]
			}
		default:
			cur = nil
		}
	}
	return cur, nil
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", x)
	}
}
