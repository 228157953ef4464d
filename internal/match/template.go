package match

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {{name}} placeholders with optional inner
// whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)\s*\}\}`)

// substitute performs literal placeholder replacement over a solution body.
//
// Variables come from the caller's mapping; the item's identifier is always
// available as {{item}} and {{identifier}} unless the caller shadows those
// keys. Placeholders with no binding are left verbatim.
func substitute(body string, item Item, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(body, func(placeholder string) string {
		key := placeholderPattern.FindStringSubmatch(placeholder)[1]
		if value, ok := vars[key]; ok {
			return value
		}
		switch strings.ToLower(key) {
		case "item", "identifier":
			return item.ID
		}
		return placeholder
	})
}
