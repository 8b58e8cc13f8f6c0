package contextbuild

import "strings"

// InjectPrompt substitutes every {{path}} occurrence in the template with the
// value looked up in ctx. Nested paths ("account.owner.name") are supported.
// A placeholder whose path cannot be resolved is left as literal text rather
// than emptied, so unresolved bindings stay visible for debugging.
func InjectPrompt(template string, ctx map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		path := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := lookupPath(ctx, path)
		if !ok {
			return m
		}
		return Stringify(v)
	})
}

func lookupPath(ctx map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = ctx
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
