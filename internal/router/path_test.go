package router

import "testing"

func TestComposePath(t *testing.T) {
	tests := []struct {
		base, sub, want string
	}{
		{"", "", ""},
		{"/base", "  ", ""},
		{"", "p", "/p"},
		{"", "/p", "/p"},
		{"/base", "p", "/base/p"},
		{"/base/", "p", "/base/p"},
		{"/", "p", "/p"},
	}

	for _, tt := range tests {
		if got := composePath(tt.base, tt.sub); got != tt.want {
			t.Errorf("composePath(%q, %q) = %q, want %q", tt.base, tt.sub, got, tt.want)
		}
	}
}
