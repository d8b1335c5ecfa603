package thermal

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a structured firmware version, compared numerically.
type Version struct {
	Major int
	Minor int
	Patch int
}

// SentinelVersion is reported for dialects without a version query.
var SentinelVersion = Version{Major: 1}

// RateLimitedFirmware is the first firmware that rate-limits temperature change itself.
var RateLimitedFirmware = Version{Major: 2, Minor: 1, Patch: 4}

// ParseVersion accepts "a", "a.b" or "a.b.c", with an optional leading "v" and
// trailing non-numeric build suffix on each component ("2.1.4b" -> 2.1.4).
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if s == "" {
		return Version{}, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}
	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	var nums [3]int
	for i, p := range parts {
		n, err := leadingInt(p)
		if err != nil {
			return Version{}, fmt.Errorf("%w: %q", ErrInvalidVersion, s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func leadingInt(s string) (int, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return strconv.Atoi(s[:end])
}

func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

func (v Version) AtLeast(o Version) bool {
	return v.Compare(o) >= 0
}

func (v Version) IsZero() bool {
	return v == Version{}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
