// Package casemap implements IRC name comparison under RFC 1459 case mapping,
// where {}|~ are the lowercase forms of []\^.
package casemap

import "strings"

// Fold returns the canonical lowercase form of an IRC name.
func Fold(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		case r == '[':
			return '{'
		case r == ']':
			return '}'
		case r == '\\':
			return '|'
		case r == '^':
			return '~'
		}
		return r
	}, name)
}

// Equal reports whether two names are the same under RFC 1459 case mapping.
func Equal(a, b string) bool {
	return Fold(a) == Fold(b)
}

// Match reports whether name matches an IRC wildcard pattern, where * matches
// any run of characters and ? matches exactly one. Comparison is case-folded.
func Match(pattern, name string) bool {
	p := []rune(Fold(pattern))
	s := []rune(Fold(name))

	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = si
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
