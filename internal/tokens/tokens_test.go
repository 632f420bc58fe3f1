package tokens

import (
	"strings"
	"testing"
)

func TestCountNonEmpty(t *testing.T) {
	if got := Count("the quick brown fox jumps over the lazy dog"); got == 0 {
		t.Fatal("expected non-zero token count")
	}
}

func TestEstimate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		min  int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t ", 0},
		{"single word", "hello", 1},
		{"word floor", "a b c d e f g h", 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimate(tt.in)
			if tt.min == 0 && got != 0 {
				t.Errorf("Estimate(%q) = %d, want 0", tt.in, got)
			}
			if got < tt.min {
				t.Errorf("Estimate(%q) = %d, want >= %d", tt.in, got, tt.min)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("word ", 2000)
	out := Truncate(long, 100)
	if len(out) >= len(long) {
		t.Fatal("expected truncation to shrink text")
	}
	if !strings.HasSuffix(out, "...") {
		t.Fatal("expected ellipsis suffix")
	}
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("short text should pass through, got %q", got)
	}
}
