// Package filter cleans user-supplied text before it is stored or shown.
// Messages may keep light formatting; names are plain text only.
package filter

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// namePolicy strips all markup; a pet name is text, nothing else.
	namePolicy = bluemonday.StrictPolicy()

	// messagePolicy allows a small inline-formatting subset and safe
	// links; everything script-bearing is removed.
	messagePolicy = bluemonday.StrictPolicy().
			AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "pre", "br").
			AllowURLSchemes("http", "https", "mailto").
			AllowAttrs("href").OnElements("a").
			RequireNoFollowOnLinks(true)
)

// Name sanitizes a display or pet name: markup stripped, entities decoded,
// whitespace trimmed.
func Name(s string) string {
	return strings.TrimSpace(html.UnescapeString(namePolicy.Sanitize(s)))
}

// Message sanitizes message text before sending. Formatting from
// messagePolicy survives; anything unsafe is dropped.
func Message(s string) string {
	return strings.TrimSpace(messagePolicy.Sanitize(s))
}
