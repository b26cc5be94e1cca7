package core

import "strings"

// MaxQueryLength is the hard cap on sanitized query length (spec §3, §7
// QUERY_TOO_LONG).
const MaxQueryLength = 100_000

// SanitizeQuery strips null bytes and C0/C1 control characters from a
// query, except TAB (0x09), LF (0x0A) and CR (0x0D) which are preserved.
// Two inputs differing only by these stripped bytes sanitize to the same
// string (spec §8 property 9).
func SanitizeQuery(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x09 || r == 0x0A || r == 0x0D:
			b.WriteRune(r)
		case r == 0x00:
			continue
		case r < 0x20:
			continue
		case r >= 0x7F && r <= 0x9F:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
