package logging

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer|token|api[_-]?key|password)(\s*[:=]\s*|\s+)\S+`)
)

// RedactPII masks emails, card numbers, phone numbers and inline credentials.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones; a card number also matches the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "$1$2[REDACTED_SECRET]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Preview returns a redacted single-line excerpt of user content for log
// records, cut to at most max runes.
func Preview(content string, max int) string {
	out, _ := RedactPII(strings.Join(strings.Fields(content), " "))
	if max <= 0 || utf8.RuneCountInString(out) <= max {
		return out
	}
	r := []rune(out)
	return string(r[:max]) + "..."
}
