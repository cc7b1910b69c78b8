package models

import "testing"

func TestParseNumber(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"integer", "2999", 2999},
		{"decimal", "19.99", 19.99},
		{"leading whitespace", "  42", 42},
		{"trailing garbage", "2999abc", 2999},
		{"thousands separator stops prefix", "2,999", 2},
		{"currency prefix", "₹2999", 0},
		{"empty", "", 0},
		{"only sign", "-", 0},
		{"negative", "-3.5", -3.5},
		{"leading dot", ".5", 0.5},
		{"trailing dot", "5.", 5},
		{"exponent", "1e3", 1000},
		{"dangling exponent", "1e", 1},
		{"dangling signed exponent", "2e+", 2},
		{"words", "free", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseNumber(tt.in)
			if got != tt.want {
				t.Errorf("ParseNumber(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNonNegative(t *testing.T) {
	if got := NonNegative(-1); got != 0 {
		t.Errorf("NonNegative(-1) = %v, want 0", got)
	}
	if got := NonNegative(12.5); got != 12.5 {
		t.Errorf("NonNegative(12.5) = %v, want 12.5", got)
	}
}
