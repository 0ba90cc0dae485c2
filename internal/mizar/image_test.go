package mizar

import "testing"

func TestParseImageSize(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"8G", 8 << 30},
		{"2g", 2 << 30},
		{"4096M", 4096 << 20},
		{"", 8 << 30},
		{" 1G ", 1 << 30},
	}
	for _, c := range cases {
		got, err := parseImageSize(c.in)
		if err != nil {
			t.Errorf("parseImageSize(%q) error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("parseImageSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"zero", "-4G", "0M", "G"} {
		if _, err := parseImageSize(bad); err == nil {
			t.Errorf("parseImageSize(%q) succeeded", bad)
		}
	}
}
