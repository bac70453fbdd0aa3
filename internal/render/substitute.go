package render

import (
	"regexp"
	"strings"
)

// placeholderPattern matches $$, $name and ${name}. Names start with a letter
// or underscore.
var placeholderPattern = regexp.MustCompile(`\$(?:\$|[_a-zA-Z][_a-zA-Z0-9]*|\{[_a-zA-Z][_a-zA-Z0-9]*\})`)

// Substitute replaces $name and ${name} with values[name] and $$ with $.
//
// Substitution never fails: a placeholder with no value is left as written,
// and values with no placeholder are ignored. A $ not followed by a name,
// a brace or another $ is copied through.
func Substitute(template string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if match == "$$" {
			return "$"
		}

		name := strings.TrimPrefix(match, "$")
		name = strings.TrimSuffix(strings.TrimPrefix(name, "{"), "}")

		if v, ok := values[name]; ok {
			return v
		}
		return match
	})
}
