// Package hitl implements the human-in-the-loop layer: glob-based action
// classification into tiers, session grants, and the approval gate that
// blocks require-approval tool calls until a human decides.
package hitl

import "strings"

// MatchGlob reports whether value matches pattern. Supported syntax:
//
//	*      any run of characters within one path segment
//	**     any number of whole segments (zero or more)
//	!(p)   matches exactly when p does not
//
// Matching is case-sensitive and performs no path normalisation: wildcards
// never match segments starting with ".", so "/sandbox/../x" does not match
// "/sandbox/**". Only a literal pattern segment can match "." or "..".
func MatchGlob(pattern, value string) bool {
	if strings.HasPrefix(pattern, "!(") && strings.HasSuffix(pattern, ")") {
		return !MatchGlob(pattern[2:len(pattern)-1], value)
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(value, "/"))
}

func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	if pattern[0] == "**" {
		// Zero segments consumed.
		if matchSegments(pattern[1:], value) {
			return true
		}
		// One segment consumed; dot segments stop the spread.
		if len(value) > 0 && !strings.HasPrefix(value[0], ".") {
			return matchSegments(pattern, value[1:])
		}
		return false
	}
	if len(value) == 0 {
		return false
	}
	if !matchSegment(pattern[0], value[0]) {
		return false
	}
	return matchSegments(pattern[1:], value[1:])
}

// matchSegment matches one path segment with "*" wildcards. A value segment
// starting with "." requires the pattern to start with a literal ".".
func matchSegment(pattern, value string) bool {
	if strings.HasPrefix(value, ".") && !strings.HasPrefix(pattern, ".") {
		return false
	}

	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(value) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star, mark = pi, vi
			pi++
		case pi < len(pattern) && pattern[pi] == value[vi]:
			pi++
			vi++
		case star >= 0:
			mark++
			vi = mark
			pi = star + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
