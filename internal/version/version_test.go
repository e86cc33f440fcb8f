package version

import "testing"

func TestIsNewerVersion(t *testing.T) {
	cases := []struct {
		current, latest string
		want            bool
	}{
		{"1.0.0", "1.0.0", false},
		{"1.0.0rc1", "1.0.0", true},
		{"1.0.0", "1.0.0rc1", false},
		{"1.0.0", "1.1.0", true},
		{"1.1.0", "1.0.0", false},
		{"1.0.0dev1", "1.0.0a1", true},
		{"1.0.0a1", "1.0.0b1", true},
		{"1.0.0b2", "1.0.0rc1", true},
		{"1.0.0", "1.0.0.post1", true},
		{"v1.2", "1.2.0", false},
	}
	for _, c := range cases {
		got := IsNewerVersion(c.current, c.latest)
		if got != c.want {
			t.Errorf("IsNewerVersion(%q, %q) = %v, want %v", c.current, c.latest, got, c.want)
		}
	}
}
