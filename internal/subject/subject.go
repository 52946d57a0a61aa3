// Package subject matches NATS subjects against filters with '*' and '>'
// wildcards.
package subject

import "strings"

// Matches reports whether subject falls under filter.
func Matches(filter, subject string) bool {
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, tok := range ft {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}

// MatchesAny reports whether any filter matches subject.
func MatchesAny(filters []string, subject string) bool {
	for _, f := range filters {
		if Matches(f, subject) {
			return true
		}
	}
	return false
}
