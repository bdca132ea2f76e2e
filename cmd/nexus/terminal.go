package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/youruser/nexus/internal/session"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow, color.Bold)
	infoColor    = color.New(color.FgCyan)
	boldColor    = color.New(color.Bold)
)

var (
	previewBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("86")).
			Padding(0, 1)
	pathStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	hunkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// terminalUI prints session events to a terminal and asks before writing files.
type terminalUI struct {
	mu        sync.Mutex
	out       io.Writer
	assumeYes bool
	streamed  bool
}

func newTerminalUI(out io.Writer, assumeYes bool) *terminalUI {
	return &terminalUI{out: out, assumeYes: assumeYes}
}

func (t *terminalUI) StreamChunk(_, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.streamed = true
	fmt.Fprint(t.out, content)
}

func (t *terminalUI) StreamComplete(string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamed {
		fmt.Fprintln(t.out)
	}
	t.streamed = false
}

func (t *terminalUI) StreamError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endLineLocked()
	errorColor.Fprintf(t.out, "✗ %s\n", message)
}

func (t *terminalUI) ConversationCleared() {
	t.mu.Lock()
	defer t.mu.Unlock()
	infoColor.Fprintln(t.out, "ℹ Conversation cleared")
}

func (t *terminalUI) HistorySnapshot(session.Snapshot) {}

func (t *terminalUI) ContextWarning(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	warningColor.Fprintf(t.out, "⚠ %s\n", message)
}

func (t *terminalUI) Notice(level, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch level {
	case session.LevelError:
		errorColor.Fprintf(t.out, "✗ %s\n", message)
	case session.LevelWarning:
		warningColor.Fprintf(t.out, "⚠ %s\n", message)
	default:
		infoColor.Fprintf(t.out, "ℹ %s\n", message)
	}
}

func (t *terminalUI) EditsApplied(r session.ApplyReport) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range r.Applied {
		successColor.Fprintf(t.out, "✓ %s\n", p)
	}
	for _, f := range r.Failed {
		errorColor.Fprintf(t.out, "✗ %s: %s\n", f.Path, f.Message)
	}
	for _, rej := range r.Rejected {
		warningColor.Fprintf(t.out, "⚠ skipped %s: %s\n", rej.Path, rej.Reason)
	}
}

// ConfirmEdits shows the diff of every file and asks once for all of them.
func (t *terminalUI) ConfirmEdits(ctx context.Context, p session.Preview) (bool, error) {
	t.mu.Lock()
	t.endLineLocked()
	fmt.Fprintln(t.out, renderPreview(p))
	t.mu.Unlock()
	if t.assumeYes {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	accept := false
	prompt := &survey.Confirm{Message: fmt.Sprintf("Apply changes to %d file(s)?", len(p.Edits))}
	if err := survey.AskOne(prompt, &accept); err != nil {
		if errors.Is(err, terminal.InterruptErr) {
			return false, nil
		}
		return false, fmt.Errorf("confirmation prompt failed: %w", err)
	}
	return accept, nil
}

func (t *terminalUI) endLineLocked() {
	if t.streamed {
		fmt.Fprintln(t.out)
		t.streamed = false
	}
}

func renderPreview(p session.Preview) string {
	var blocks []string
	for _, e := range p.Edits {
		var b strings.Builder
		header := pathStyle.Render(e.Path)
		if e.IsNew {
			header += dimStyle.Render(" (new)")
		}
		header += " " + addedStyle.Render(fmt.Sprintf("+%d", e.Added)) + " " + removedStyle.Render(fmt.Sprintf("-%d", e.Removed))
		b.WriteString(header)
		for _, line := range strings.Split(strings.TrimRight(e.Diff, "\n"), "\n") {
			b.WriteByte('\n')
			b.WriteString(styleDiffLine(line))
		}
		blocks = append(blocks, previewBox.Render(b.String()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...)
}

func styleDiffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		return dimStyle.Render(line)
	case strings.HasPrefix(line, "@@"):
		return hunkStyle.Render(line)
	case strings.HasPrefix(line, "+"):
		return addedStyle.Render(line)
	case strings.HasPrefix(line, "-"):
		return removedStyle.Render(line)
	default:
		return line
	}
}

var (
	_ session.UI        = (*terminalUI)(nil)
	_ session.Confirmer = (*terminalUI)(nil)
)
