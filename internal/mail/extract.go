package mail

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// Six digits standing alone; longer digit runs (tracking ids, dates) are skipped.
	codePattern = regexp.MustCompile(`(?:^|\D)(\d{6})(?:\D|$)`)
	textPolicy  = bluemonday.StrictPolicy()
)

// PlainText strips markup from a mail body. Attribute values such as colors
// or widths never reach the result, and adjacent cells stay space separated.
func PlainText(body string) string {
	spaced := strings.ReplaceAll(body, "<", " <")
	text := html.UnescapeString(textPolicy.Sanitize(spaced))
	return strings.Join(strings.Fields(text), " ")
}

// ExtractCode returns the first standalone six-digit code in body, or "".
func ExtractCode(body string) string {
	m := codePattern.FindStringSubmatch(PlainText(body))
	if m == nil {
		return ""
	}
	return m[1]
}
