// Package version compares semantic-ish version strings, including the
// dev/alpha/beta/rc/post pre-release stages used in release tags.
package version

import (
	"regexp"
	"strconv"
	"strings"
)

var baseVersionRe = regexp.MustCompile(`^\s*v?(\d+(?:\.\d+)*)`)

// baseVersionTuple parses the leading dotted-numeric run of a version
// string, stripping trailing zero components (1.2.0 -> 1.2).
func baseVersionTuple(v string) []int {
	m := baseVersionRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(v)))
	if m == nil {
		return []int{0}
	}
	parts := strings.Split(m[1], ".")
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, _ := strconv.Atoi(p)
		nums[i] = n
	}
	for len(nums) > 1 && nums[len(nums)-1] == 0 {
		nums = nums[:len(nums)-1]
	}
	return nums
}

var stagePatterns = []struct {
	re    *regexp.Regexp
	stage int
}{
	{regexp.MustCompile(`^[._-]?dev(\d*)`), -2},
	{regexp.MustCompile(`^[._-]?(?:a|alpha)(\d*)`), -1},
	{regexp.MustCompile(`^[._-]?(?:b|beta)(\d*)`), 0},
	{regexp.MustCompile(`^[._-]?rc(\d*)`), 1},
	{regexp.MustCompile(`^[._-]?post(\d*)`), 3},
}

var restRe = regexp.MustCompile(`^\s*v?\d+(?:\.\d+)*(.*)$`)

// stageKey classifies a version's pre/post-release suffix: dev < alpha <
// beta < rc < final (2) < post, each paired with its trailing number.
func stageKey(v string) (stage, number int) {
	lower := strings.ToLower(strings.TrimSpace(v))
	rest := ""
	if m := restRe.FindStringSubmatch(lower); m != nil {
		rest = m[1]
	}

	for _, sp := range stagePatterns {
		if m := sp.re.FindStringSubmatch(rest); m != nil {
			n := 0
			if m[1] != "" {
				n, _ = strconv.Atoi(m[1])
			}
			return sp.stage, n
		}
	}
	return 2, 0
}

// IsNewerVersion reports whether latest sorts strictly after current, first
// comparing base numeric components then pre/post-release stage.
func IsNewerVersion(current, latest string) bool {
	cBase := baseVersionTuple(current)
	lBase := baseVersionTuple(latest)
	cStage, cNum := stageKey(current)
	lStage, lNum := stageKey(latest)

	if c := compareInts(lBase, cBase); c != 0 {
		return c > 0
	}
	if lStage != cStage {
		return lStage > cStage
	}
	return lNum > cNum
}

func compareInts(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}
