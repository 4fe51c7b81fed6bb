package proto

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizers for server-pushed markup. Rows arriving with an html
// payload are untrusted until they pass rowPolicy; terminal clients
// additionally strip all tags with textPolicy.
var (
	// rowPolicy allows safe inline formatting in html chat rows.
	rowPolicy = bluemonday.UGCPolicy().
			AllowElements("b", "i", "em", "strong", "u", "s", "del", "ins").
			AllowElements("p", "br", "blockquote").
			AllowElements("code", "pre").
			AllowElements("ul", "ol", "li").
			AllowURLSchemes("http", "https", "mailto").
			AllowRelativeURLs(false).
			RequireNoFollowOnLinks(true).
			AllowElements("span").
			AllowAttrs("class").OnElements("span")

	// textPolicy removes all markup, leaving plain text only.
	textPolicy = bluemonday.StrictPolicy()
)

// SanitizeRow returns a copy of the row safe for display. Plain-text
// rows pass through unchanged; html rows are filtered through rowPolicy.
func SanitizeRow(r ChatRow) ChatRow {
	if !r.IsHTML() {
		return r
	}
	r.HTML = strings.TrimSpace(rowPolicy.Sanitize(r.HTML))
	return r
}

// SanitizeHistory sanitizes a backlog snapshot in place order.
func SanitizeHistory(rows []ChatRow) []ChatRow {
	out := make([]ChatRow, len(rows))
	for i, r := range rows {
		out[i] = SanitizeRow(r)
	}
	return out
}

// StripTags reduces a row to plain text for terminal rendering.
func StripTags(r ChatRow) string {
	if !r.IsHTML() {
		return r.Text
	}
	return strings.TrimSpace(textPolicy.Sanitize(r.HTML))
}
