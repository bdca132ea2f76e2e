package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFormatCurrentFile(t *testing.T) {
	t.Run("formats reference code", func(t *testing.T) {
		got, err := FormatCurrentFile(&OpenFile{Path: "/home/u/proj/src/app.ts", Language: "typescript", Content: "let x = 1;"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := "File: app.ts\nLanguage: typescript\n\nReference code:\n```typescript\nlet x = 1;\n```"
		if got != want {
			t.Errorf("got %q\nwant %q", got, want)
		}
	})

	t.Run("language from extension", func(t *testing.T) {
		got, err := FormatCurrentFile(&OpenFile{Path: "main.go", Content: "package main"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(got, "Language: go\n") {
			t.Errorf("missing language line: %q", got)
		}
	})

	t.Run("truncates long content", func(t *testing.T) {
		long := strings.Repeat("é", maxCurrentFile+10)
		got, err := FormatCurrentFile(&OpenFile{Path: "big.txt", Content: long})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(got, truncatedNote) {
			t.Error("expected truncation marker")
		}
		if n := strings.Count(got, "é"); n != maxCurrentFile {
			t.Errorf("kept %d runes, want %d", n, maxCurrentFile)
		}
	})

	t.Run("no file", func(t *testing.T) {
		if _, err := FormatCurrentFile(nil); !errors.Is(err, ErrNoOpenFile) {
			t.Errorf("error = %v, want ErrNoOpenFile", err)
		}
		if _, err := FormatCurrentFile(&OpenFile{Path: "a.go", Content: "  \n"}); !errors.Is(err, ErrNoOpenFile) {
			t.Errorf("blank content error = %v, want ErrNoOpenFile", err)
		}
	})
}

func TestScannerSummarize(t *testing.T) {
	t.Run("includes source and skips excluded dirs", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{
			"main.go":                 "package main",
			"src/app.ts":              "export {}",
			"README.md":               "# readme",
			"image.png":               "binary",
			"node_modules/dep/x.js":   "module.exports = 1",
			".git/config.yaml":        "x: 1",
			"dist/bundle.js":          "bundle",
			"pkg/nested/dist/keep.go": "package dist",
		})

		got, err := NewScanner(root).Summarize(context.Background(), nil)
		if err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}

		if !strings.HasPrefix(got, "Workspace context (up to 10 file summaries):\n\n") {
			t.Errorf("unexpected header: %q", got[:60])
		}
		for _, want := range []string{"File: main.go\nLanguage: go\n```go\npackage main\n```", "File: src/app.ts", "File: README.md"} {
			if !strings.Contains(got, want) {
				t.Errorf("summary missing %q", want)
			}
		}
		for _, notWant := range []string{"image.png", "node_modules", ".git", "bundle.js", "keep.go"} {
			if strings.Contains(got, notWant) {
				t.Errorf("summary should not contain %q", notWant)
			}
		}
	})

	t.Run("limits", func(t *testing.T) {
		root := t.TempDir()
		files := map[string]string{}
		for i := 0; i < 20; i++ {
			files[fmt.Sprintf("f%02d.go", i)] = strings.Repeat("x", 100)
		}
		writeFiles(t, root, files)

		s := NewScanner(root)
		s.MaxFiles = 5
		s.MaxPerFile = 40
		s.MaxTotal = 100

		got, err := s.Summarize(context.Background(), nil)
		if err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}
		// each excerpt is 40 runes plus the marker, so the total cap stops after two
		if n := strings.Count(got, "File: "); n != 2 {
			t.Errorf("got %d files, want 2", n)
		}
		if !strings.Contains(got, truncatedNote) {
			t.Error("expected per-file truncation marker")
		}
	})

	t.Run("falls back to open file directory", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{
			"current.py":                "print(1)",
			"helpers/util.py":           "def f(): pass",
			"a/b/c/d/e/too_deep.py":     "deep",
			"node_modules/skip/skip.js": "skip",
		})

		hint := &OpenFile{Path: filepath.Join(dir, "current.py")}
		got, err := NewScanner("").Summarize(context.Background(), hint)
		if err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}
		if !strings.HasPrefix(got, "Workspace context (from the current file's directory") {
			t.Errorf("unexpected header: %q", got)
		}
		base := filepath.Base(dir)
		if !strings.Contains(got, "File: "+base+"/current.py") {
			t.Errorf("expected parent-relative name, got %q", got)
		}
		if !strings.Contains(got, "File: helpers/util.py") {
			t.Errorf("expected nested file, got %q", got)
		}
		if strings.Contains(got, "too_deep") || strings.Contains(got, "skip.js") {
			t.Errorf("depth or exclude limit not applied: %q", got)
		}
	})

	t.Run("no workspace", func(t *testing.T) {
		_, err := NewScanner("").Summarize(context.Background(), nil)
		if !errors.Is(err, ErrNoWorkspace) {
			t.Errorf("error = %v, want ErrNoWorkspace", err)
		}
		_, err = NewScanner("").Summarize(context.Background(), &OpenFile{Path: "untitled-1"})
		if !errors.Is(err, ErrNoWorkspace) {
			t.Errorf("relative hint error = %v, want ErrNoWorkspace", err)
		}
	})

	t.Run("no matching files", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"photo.jpg": "x"})
		_, err := NewScanner(root).Summarize(context.Background(), nil)
		if !errors.Is(err, ErrNoFiles) {
			t.Errorf("error = %v, want ErrNoFiles", err)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		root := t.TempDir()
		writeFiles(t, root, map[string]string{"a/main.go": "package a"})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := NewScanner(root).Summarize(ctx, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestLanguageFor(t *testing.T) {
	tests := map[string]string{
		"a.ts":      "typescript",
		"b.PY":      "python",
		"c.h":       "c",
		"Makefile":  "plaintext",
		"style.css": "css",
	}
	for name, want := range tests {
		if got := LanguageFor(name); got != want {
			t.Errorf("LanguageFor(%q) = %q, want %q", name, got, want)
		}
	}
}
