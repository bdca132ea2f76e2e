// Package edits parses FILE blocks out of assistant replies and checks
// their paths before anything is written.
package edits

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/youruser/nexus/internal/logging"
)

var log = logging.Get()

// Record is one proposed whole-file replacement.
type Record struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

// A FILE line followed by a fenced block. The marker may open the text or
// follow a newline; the fence may carry a language tag.
const filePattern = "(^|\\n)\\s*FILE:[ \\t]*([^\\n]+)\\n```([a-zA-Z0-9_+-]+)?\\n([\\s\\S]*?)```"

const matchTimeout = 2 * time.Second

var fileBlock = newFileBlockRegexp()

func newFileBlockRegexp() *regexp2.Regexp {
	re := regexp2.MustCompile(filePattern, regexp2.ECMAScript)
	re.MatchTimeout = matchTimeout
	return re
}

// Extract returns the FILE blocks in text, in order of appearance.
// Blocks with an empty path or empty body are skipped.
func Extract(text string) []Record {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var records []Record
	m, err := fileBlock.FindStringMatch(text)
	for m != nil {
		path := strings.TrimSpace(groupText(m, 2))
		content := strings.TrimSuffix(groupText(m, 4), "\n")
		if path != "" && content != "" {
			records = append(records, Record{
				Path:     path,
				Language: groupText(m, 3),
				Content:  content,
			})
		}
		m, err = fileBlock.FindNextMatch(m)
	}
	if err != nil {
		// Timeout; keep what was found so far.
		log.Error("FILE block scan stopped after %d records: %v", len(records), err)
	}
	return records
}

func groupText(m *regexp2.Match, n int) string {
	g := m.GroupByNumber(n)
	if g == nil || len(g.Captures) == 0 {
		return ""
	}
	return g.String()
}
