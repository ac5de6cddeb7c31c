// Package version compares bundle versions.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

// semverPattern is the grammar from semver.org with an optional leading "v".
var semverPattern = regexp.MustCompile(
	`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`,
)

// IsValid reports whether v is MAJOR.MINOR.PATCH with optional pre-release and build metadata.
func IsValid(v string) bool {
	return semverPattern.MatchString(v)
}

// parse returns the numeric components of v. Pre-release and build suffixes are ignored.
func parse(v string) ([]int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	if v == "" {
		return nil, false
	}
	parts := strings.Split(v, ".")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		nums[i] = n
	}
	return nums, true
}

// Compare returns -1, 0 or 1 when a is lower than, equal to or greater than b.
//
// Components are compared numerically and missing components count as zero,
// so "1.2" equals "1.2.0". A version that cannot be parsed sorts below every
// parsable version, and two unparsable versions are equal.
func Compare(a, b string) int {
	av, aok := parse(a)
	bv, bok := parse(b)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	for i := range max(len(av), len(bv)) {
		var x, y int
		if i < len(av) {
			x = av[i]
		}
		if i < len(bv) {
			y = bv[i]
		}
		if x < y {
			return -1
		}
		if x > y {
			return 1
		}
	}
	return 0
}

// ShouldUpdate reports whether candidate should replace current.
// A non-empty minimum above current forces an update.
func ShouldUpdate(current, candidate, minimum string) bool {
	if Compare(candidate, current) > 0 {
		return true
	}
	return minimum != "" && Compare(current, minimum) < 0
}
