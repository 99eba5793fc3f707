// ABOUTME: Per-recipient placeholder substitution for campaign bodies
// ABOUTME: Unknown placeholders pass through untouched

package broadcast

import "strings"

// RenderTemplate substitutes the {name} placeholder with the
// recipient's known name, or an empty string when none is known.
func RenderTemplate(tmpl, name string) string {
	if !strings.Contains(tmpl, "{name}") {
		return tmpl
	}
	return strings.ReplaceAll(tmpl, "{name}", name)
}
