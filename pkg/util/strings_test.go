package util

import "testing"

func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  string
	}{
		{"all empty", []string{"", "  ", "\t"}, ""},
		{"first non-empty", []string{"hello", "world"}, "hello"},
		{"skip blanks", []string{"", "  ", "found"}, "found"},
		{"single value", []string{"only"}, "only"},
		{"no args", nil, ""},
		{"trims whitespace", []string{"  trimmed  "}, "trimmed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstNonEmpty(tt.input...)
			if got != tt.want {
				t.Errorf("FirstNonEmpty(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompactOneLine(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"collapses whitespace", "  a \n b\t c ", 0, "a b c"},
		{"empty", "   ", 10, ""},
		{"under limit", "hello", 10, "hello"},
		{"truncates runes", "流式回答正在生成", 5, "流式回答…"},
		{"limit one", "abc", 1, "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompactOneLine(tt.in, tt.limit); got != tt.want {
				t.Errorf("CompactOneLine(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
			}
		})
	}
}
