package utils

import "strings"

// MatchResource checks whether a resource identifier ("kind:id" or a
// hierarchical id like "cardiology/ward-3/bed-12") matches the pattern.
// Patterns may include:
//   - Wildcard '*' matching any sequence of characters within a segment,
//     or everything when it is the final character.
//   - Parameter prefix ':' (e.g. ':id') matching any single segment.
//
// A "kind:pattern" form requires the kind to match exactly unless it is
// itself '*'.
func MatchResource(value, pattern string) bool {
	valParts := strings.SplitN(value, ":", 2)
	patParts := strings.SplitN(pattern, ":", 2)

	if len(patParts) == 2 && len(valParts) == 2 {
		if patParts[0] == "*" && patParts[1] == "*" {
			return true
		}
		if patParts[0] != "*" && valParts[0] != patParts[0] {
			return false
		}
		return matchPattern(valParts[1], patParts[1])
	}
	if len(patParts) != len(valParts) {
		return false
	}
	return matchPattern(value, pattern)
}

// matchPattern matches a plain value against a pattern containing '*'
// wildcards and ':' parameters. Parameters match until the next '/'.
func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			if pIndex == pLen-1 {
				return true
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
			pIndex++
		case ':':
			pIndex++
			for pIndex < pLen && pattern[pIndex] != '/' {
				pIndex++
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
		default:
			if vIndex < vLen && pattern[pIndex] == value[vIndex] {
				vIndex++
				pIndex++
			} else {
				return false
			}
		}
	}

	if strings.HasSuffix(pattern, "/*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "/*"))
	}
	return vIndex == vLen && pIndex == pLen
}
