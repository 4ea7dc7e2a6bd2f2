// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// MulticastMatch reports whether the multicast id matches pattern.
// Rules:
//   - '+' matches exactly one partition.
//   - '*' must be the last level and matches zero or more trailing partitions.
//   - ids never contain wildcards.
func MulticastMatch(pattern, id string) bool {
	if pattern == "" || id == "" {
		return false
	}
	if pattern == id {
		return true
	}
	if !HasWildcard(pattern) {
		return false
	}

	patternLevels := strings.Split(pattern, Separator)
	idLevels := strings.Split(id, Separator)

	for i, p := range patternLevels {
		if p == MultiLevel {
			// "a/b/*" matches "a/b" as well as everything below it.
			return true
		}
		if i >= len(idLevels) {
			return false
		}
		if p == SingleLevel {
			continue
		}
		if p != idLevels[i] {
			return false
		}
	}

	return len(patternLevels) == len(idLevels)
}

// HasWildcard reports whether the multicast pattern contains a wildcard.
func HasWildcard(pattern string) bool {
	for _, level := range strings.Split(pattern, Separator) {
		if level == SingleLevel || level == MultiLevel {
			return true
		}
	}
	return false
}
