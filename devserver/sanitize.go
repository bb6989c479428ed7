package devserver

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxNameLen    = 64
	maxTitleLen   = 200
	maxContentLen = 10000
)

// Clients render plain text, so markup is stripped rather than allowed.
var textPolicy = bluemonday.StrictPolicy()

// sanitizeText strips markup and control characters and limits s to max
// runes. Entities left by the policy are decoded so "a < b" survives.
func sanitizeText(s string, max int) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(textPolicy.Sanitize(s))

	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		if n == max {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
