// Package globutil implements the substrate's restricted glob dialect:
// "*" alone matches everything, a single "*" elsewhere in the pattern
// matches by prefix (everything before the "*"), and a pattern with no "*"
// requires an exact match. This is deliberately not a full glob
// implementation — see DESIGN.md for why single-wildcard prefix matching
// is sufficient for every caller.
package globutil

import "strings"

// Match reports whether s satisfies pattern under the substrate's glob
// rules.
func Match(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	idx := strings.IndexByte(pattern, '*')
	if idx < 0 {
		return pattern == s
	}
	prefix := pattern[:idx]
	return strings.HasPrefix(s, prefix)
}

// ToLikePattern translates the substrate glob dialect into a SQL LIKE
// pattern (using '%' as the wildcard and '\' as the escape character),
// escaping any literal '%', '_' or '\' in the non-wildcard portion so they
// are not misinterpreted by the database.
//
// Because the dialect only recognizes a single "*" as a prefix marker,
// anything at or after the first "*" is dropped from the LIKE pattern and
// replaced with a trailing '%'.
func ToLikePattern(pattern string) (like string, escape byte) {
	const esc = '\\'
	idx := strings.IndexByte(pattern, '*')
	prefix := pattern
	hasWildcard := idx >= 0
	if hasWildcard {
		prefix = pattern[:idx]
	}

	var b strings.Builder
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		switch c {
		case '%', '_', esc:
			b.WriteByte(esc)
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	if hasWildcard {
		b.WriteByte('%')
	}
	return b.String(), esc
}
