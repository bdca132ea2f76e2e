package diff

import (
	"strings"
	"testing"
)

func TestUnified(t *testing.T) {
	t.Run("modified line", func(t *testing.T) {
		got := Unified("src/a.ts", "a\nb\nc\n", "a\nB\nc\n")
		want := "--- a/src/a.ts\n+++ b/src/a.ts\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
		if got != want {
			t.Errorf("Unified() =\n%s\nwant\n%s", got, want)
		}
	})

	t.Run("new file", func(t *testing.T) {
		got := Unified("new.go", "", "package x\n")
		if !strings.Contains(got, "+package x\n") {
			t.Errorf("expected added line, got %q", got)
		}
		if !strings.HasPrefix(got, "--- a/new.go\n+++ b/new.go\n") {
			t.Errorf("unexpected headers: %q", got)
		}
	})

	t.Run("identical", func(t *testing.T) {
		if got := Unified("a", "same\n", "same\n"); got != "" {
			t.Errorf("Unified() = %q, want empty", got)
		}
	})

	t.Run("line endings ignored", func(t *testing.T) {
		if got := Unified("a", "x\r\ny\r\n", "x\ny"); got != "" {
			t.Errorf("Unified() = %q, want empty for CRLF-only change", got)
		}
	})
}

func TestStats(t *testing.T) {
	tests := []struct {
		name                   string
		original, proposed     string
		wantAdded, wantRemoved int
	}{
		{"new file", "", "a\nb\n", 2, 0},
		{"replace one", "a\nb\nc\n", "a\nB\nc\n", 1, 1},
		{"delete", "a\nb\nc\n", "a\n", 0, 2},
		{"no change", "a\n", "a\n", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			added, removed := Stats(tt.original, tt.proposed)
			if added != tt.wantAdded || removed != tt.wantRemoved {
				t.Errorf("Stats() = +%d -%d, want +%d -%d", added, removed, tt.wantAdded, tt.wantRemoved)
			}
		})
	}
}

func TestSplitLines_Empty(t *testing.T) {
	if lines := SplitLines(""); lines != nil {
		t.Errorf("SplitLines(\"\") = %v, want nil", lines)
	}
}

func TestSplitLines_CRLF(t *testing.T) {
	lines := SplitLines("a\r\nb\r\nc\r\n")
	if len(lines) != 3 {
		t.Fatalf("len = %d, want 3", len(lines))
	}
	for _, l := range lines {
		if strings.Contains(l, "\r") {
			t.Errorf("line contains \\r: %q", l)
		}
	}
}

func TestSplitLines_NoTrailingNewline(t *testing.T) {
	lines := SplitLines("a\nb")
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Errorf("lines = %v, want [a b]", lines)
	}
}
