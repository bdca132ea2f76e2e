// Package diff renders previews of whole-file replacements.
package diff

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// SplitLines splits file content into lines. Handles both LF and CRLF.
// A trailing newline does not produce an extra empty line.
func SplitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

func withNewlines(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l + "\n"
	}
	return out
}

// Unified returns a unified diff of original against proposed with three
// lines of context. Identical content yields "".
func Unified(path, original, proposed string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        withNewlines(SplitLines(original)),
		B:        withNewlines(SplitLines(proposed)),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		// Only a failing writer can error, and the target is a buffer.
		return ""
	}
	return text
}

// Stats counts the lines proposed adds and removes relative to original.
func Stats(original, proposed string) (added, removed int) {
	m := difflib.NewMatcher(SplitLines(original), SplitLines(proposed))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}
