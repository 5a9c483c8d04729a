package query

import (
	"strings"

	"golang.org/x/text/cases"
)

// Matches applies the text-match to value.
func (m TextMatch) Matches(value string) bool {
	v, pattern := fold(m.Collation, value), fold(m.Collation, m.Value)
	var ok bool
	switch m.MatchType {
	case MatchEquals:
		ok = v == pattern
	case MatchStartsWith:
		ok = strings.HasPrefix(v, pattern)
	case MatchEndsWith:
		ok = strings.HasSuffix(v, pattern)
	default:
		ok = strings.Contains(v, pattern)
	}
	return ok != m.Negate
}

func fold(collation, s string) string {
	switch collation {
	case CollationOctet:
		return s
	case CollationUnicodeCasemap:
		// A Caser is stateful, so each call gets its own.
		return cases.Fold().String(s)
	default:
		return asciiLower(s)
	}
}

// asciiLower folds A-Z only, as i;ascii-casemap requires.
func asciiLower(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}
