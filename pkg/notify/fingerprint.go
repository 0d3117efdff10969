package notify

import (
	"regexp"
	"strings"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// fingerprint identifies a notification's cause. Repeats of the same cause
// inside the dedup window are suppressed, so a crash-looping subprocess pings
// the channel once, not once per retry.
func fingerprint(kind, tabID, detail string) string {
	return kind + "|" + tabID + "|" + normalizeText(detail)
}

func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
