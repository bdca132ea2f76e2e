// Package workspace confines file access to a workspace root and gathers
// the file and workspace context that is prepended to a chat turn.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/youruser/nexus/internal/logging"
)

var log = logging.Get()

var (
	ErrNoOpenFile  = errors.New("no open file")
	ErrNoWorkspace = errors.New("no workspace folder")
	ErrNoFiles     = errors.New("no matching files in workspace")
)

const (
	maxCurrentFile = 20000
	truncatedNote  = "\n/* ...truncated... */"

	includePattern = "**/*.{ts,tsx,js,jsx,json,md,py,go,rs,java,kt,cs,cpp,c,h,swift,php,rb,yaml,yml}"
	excludedDirs   = "{node_modules,dist,build,out,.git,.next,.turbo,.vscode}"

	fallbackDepth = 4
)

var languages = map[string]string{
	"ts":    "typescript",
	"tsx":   "typescriptreact",
	"js":    "javascript",
	"jsx":   "javascriptreact",
	"json":  "json",
	"md":    "markdown",
	"py":    "python",
	"go":    "go",
	"rs":    "rust",
	"java":  "java",
	"kt":    "kotlin",
	"cs":    "csharp",
	"cpp":   "cpp",
	"c":     "c",
	"h":     "c",
	"swift": "swift",
	"php":   "php",
	"rb":    "ruby",
	"yaml":  "yaml",
	"yml":   "yaml",
}

// LanguageFor guesses an editor language id from a file name.
func LanguageFor(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	if lang, ok := languages[ext]; ok {
		return lang
	}
	if ext == "" {
		return "plaintext"
	}
	return ext
}

// OpenFile is the editor's current file as sent by the host.
type OpenFile struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + truncatedNote
}

// FormatCurrentFile renders the open file as reference code.
func FormatCurrentFile(f *OpenFile) (string, error) {
	if f == nil || strings.TrimSpace(f.Content) == "" {
		return "", ErrNoOpenFile
	}

	name := filepath.Base(filepath.FromSlash(f.Path))
	if name == "." || name == string(filepath.Separator) {
		name = "untitled"
	}
	lang := f.Language
	if lang == "" {
		lang = LanguageFor(name)
	}

	content := truncateRunes(f.Content, maxCurrentFile)
	return fmt.Sprintf("File: %s\nLanguage: %s\n\nReference code:\n```%s\n%s\n```", name, lang, lang, content), nil
}

// Scanner summarizes source files under a workspace root.
type Scanner struct {
	Root       string
	MaxFiles   int
	MaxPerFile int
	MaxTotal   int
}

// NewScanner returns a Scanner with the default limits.
// root may be empty when no workspace folder is open.
func NewScanner(root string) *Scanner {
	return &Scanner{
		Root:       root,
		MaxFiles:   10,
		MaxPerFile: 5000,
		MaxTotal:   30000,
	}
}

var errEnoughFiles = errors.New("enough files")

// collect walks dir and returns up to MaxFiles slash-separated paths that
// match the include pattern, skipping excluded directories. depth < 0
// means unlimited.
func (s *Scanner) collect(ctx context.Context, dir string, depth int) ([]string, error) {
	var files []string
	err := fs.WalkDir(os.DirFS(dir), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == "." {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() {
			if p == "." {
				return nil
			}
			if skip, _ := doublestar.Match(excludedDirs, d.Name()); skip {
				return fs.SkipDir
			}
			if depth >= 0 && strings.Count(p, "/")+1 > depth {
				return fs.SkipDir
			}
			return nil
		}

		if ok, _ := doublestar.Match(includePattern, p); !ok {
			return nil
		}
		files = append(files, p)
		if len(files) >= s.MaxFiles {
			return errEnoughFiles
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughFiles) {
		return nil, err
	}
	return files, nil
}

// Summarize returns excerpts of up to MaxFiles workspace files. Without a
// root it falls back to the directory of hint, searched a few levels deep.
func (s *Scanner) Summarize(ctx context.Context, hint *OpenFile) (string, error) {
	var (
		dir      string
		header   string
		depth    = -1
		fallback bool
	)
	switch {
	case s.Root != "":
		dir = s.Root
		header = fmt.Sprintf("Workspace context (up to %d file summaries):", s.MaxFiles)
	case hint != nil && filepath.IsAbs(hint.Path):
		dir = filepath.Dir(hint.Path)
		depth = fallbackDepth
		fallback = true
		header = fmt.Sprintf("Workspace context (from the current file's directory, up to %d file summaries):", s.MaxFiles)
	default:
		return "", ErrNoWorkspace
	}

	files, err := s.collect(ctx, dir, depth)
	if err != nil {
		return "", err
	}
	log.Debug("Workspace scan of %s matched %d files", dir, len(files))

	var blocks []string
	total := 0
	for _, rel := range files {
		if total >= s.MaxTotal {
			break
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			log.Debug("Skipping %s: %v", rel, err)
			continue
		}

		excerpt := truncateRunes(string(data), s.MaxPerFile)
		total += len([]rune(excerpt))

		name := rel
		if fallback {
			name = lastSegments(filepath.ToSlash(filepath.Join(dir, rel)), 2)
		}
		lang := LanguageFor(rel)
		blocks = append(blocks, fmt.Sprintf("File: %s\nLanguage: %s\n```%s\n%s\n```", name, lang, lang, excerpt))
	}

	if len(blocks) == 0 {
		return "", ErrNoFiles
	}
	return header + "\n\n" + strings.Join(blocks, "\n\n"), nil
}

func lastSegments(p string, n int) string {
	parts := strings.Split(p, "/")
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	return strings.Join(parts, "/")
}
