package norm

import (
	keys "github.com/hanpama/graphcache/internal/keys"
	language "github.com/hanpama/graphcache/internal/language"
)

// shouldInclude evaluates @skip and @include against the variable
// environment.
func shouldInclude(directives language.DirectiveList, vars map[string]any) bool {
	if skip := directives.ForName("skip"); skip != nil {
		if v, ok := directiveIf(skip, vars); ok && v {
			return false
		}
	}
	if include := directives.ForName("include"); include != nil {
		if v, ok := directiveIf(include, vars); ok && !v {
			return false
		}
	}
	return true
}

func directiveIf(d *language.Directive, vars map[string]any) (bool, bool) {
	for _, arg := range d.Arguments {
		if arg.Name != "if" {
			continue
		}
		v, err := keys.ValueFromAST(arg.Value, vars)
		if err != nil {
			return false, false
		}
		b, ok := v.(bool)
		return b, ok
	}
	return false, false
}
