package thermal

import (
	"errors"
	"testing"
)

func TestParseVersion_Table(t *testing.T) {
	cases := []struct {
		in   string
		want Version
	}{
		{"2.1.4", Version{2, 1, 4}},
		{"v2.10.0", Version{2, 10, 0}},
		{"3", Version{3, 0, 0}},
		{"1.0", Version{1, 0, 0}},
		{" 2.1.4b ", Version{2, 1, 4}},
		{"2.1.4.7", Version{2, 1, 4}},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("ParseVersion(%q)=%v,%v want %v", tc.in, got, err, tc.want)
		}
	}

	for _, bad := range []string{"", "v", "abc", "2.x.1", "..."} {
		if _, err := ParseVersion(bad); !errors.Is(err, ErrInvalidVersion) {
			t.Fatalf("ParseVersion(%q) err=%v want ErrInvalidVersion", bad, err)
		}
	}
}

func TestVersionCompare(t *testing.T) {
	cases := []struct {
		a, b Version
		want int
	}{
		{Version{2, 1, 4}, Version{2, 1, 4}, 0},
		{Version{2, 10, 0}, Version{2, 9, 9}, 1},
		{Version{2, 1, 3}, Version{2, 1, 4}, -1},
		{Version{3, 0, 0}, Version{2, 99, 99}, 1},
		{SentinelVersion, RateLimitedFirmware, -1},
	}
	for _, tc := range cases {
		if got := tc.a.Compare(tc.b); got != tc.want {
			t.Fatalf("%v.Compare(%v)=%d want %d", tc.a, tc.b, got, tc.want)
		}
	}

	if !(Version{2, 10, 0}).AtLeast(RateLimitedFirmware) {
		t.Fatal("2.10.0 must compare numerically above 2.1.4")
	}
	if (Version{2, 0, 9}).AtLeast(RateLimitedFirmware) {
		t.Fatal("2.0.9 is below 2.1.4")
	}
}

func TestVersionStringAndZero(t *testing.T) {
	if got := SentinelVersion.String(); got != "1.0.0" {
		t.Fatalf("SentinelVersion.String()=%q", got)
	}
	if !(Version{}).IsZero() || SentinelVersion.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}
