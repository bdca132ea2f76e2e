package session

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/youruser/nexus/internal/diff"
	"github.com/youruser/nexus/internal/edits"
	"github.com/youruser/nexus/internal/workspace"
)

const (
	noticeNothingToApply = "No applicable file changes found (need FILE: path + code block)"
	noticeNoWorkspace    = "Open a workspace folder first"
	noticeDeclined       = "Changes discarded"
)

func newReport(rejected []edits.Rejection) ApplyReport {
	if rejected == nil {
		rejected = []edits.Rejection{}
	}
	return ApplyReport{
		Applied:  []string{},
		Failed:   []WriteFailure{},
		Rejected: rejected,
	}
}

func (c *Coordinator) notice(level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ui.Notice(level, message)
}

func (c *Coordinator) reportApplied(r ApplyReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ui.EditsApplied(r)
}

// buildPreview reads the current content of every target. A target that
// cannot be read is reported as failed and left out of the preview.
func buildPreview(store FileStore, records []edits.Record, report *ApplyReport) Preview {
	p := Preview{Edits: make([]PreviewEdit, 0, len(records))}
	for _, r := range records {
		original := ""
		isNew := false
		data, err := store.Read(r.Path)
		switch {
		case err == nil:
			original = string(data)
		case errors.Is(err, workspace.ErrNotFound):
			isNew = true
		default:
			report.Failed = append(report.Failed, WriteFailure{Path: r.Path, Message: err.Error()})
			continue
		}

		added, removed := diff.Stats(original, r.Content)
		p.Edits = append(p.Edits, PreviewEdit{
			Path:     r.Path,
			Language: r.Language,
			Original: original,
			Proposed: r.Content,
			Diff:     diff.Unified(r.Path, original, r.Content),
			IsNew:    isNew,
			Added:    added,
			Removed:  removed,
		})
	}
	return p
}

// writeOne creates the parent of a new file, then replaces its content.
func writeOne(store FileStore, e PreviewEdit) error {
	exists, err := store.Stat(e.Path)
	if err != nil {
		return err
	}
	if !exists {
		if dir := path.Dir(e.Path); dir != "." {
			if err := store.CreateDirectory(dir); err != nil {
				return fmt.Errorf("create %s: %w", dir, err)
			}
		}
	}
	return store.Write(e.Path, []byte(e.Proposed))
}

// ApplyEditsFromMessage extracts the FILE blocks of content, drops unsafe
// paths, asks for confirmation and writes the accepted files. A write
// failure is recorded and the remaining files are still written.
func (c *Coordinator) ApplyEditsFromMessage(ctx context.Context, content string) (ApplyReport, error) {
	records := edits.Extract(content)
	if len(records) == 0 {
		c.notice(LevelInfo, noticeNothingToApply)
		return newReport(nil), nil
	}

	accepted, rejected := edits.Filter(records)
	report := newReport(rejected)
	if len(accepted) == 0 {
		c.notice(LevelInfo, noticeNothingToApply)
		c.reportApplied(report)
		return report, nil
	}

	c.mu.Lock()
	store, confirm := c.store, c.confirm
	c.mu.Unlock()

	if store == nil {
		c.notice(LevelWarning, noticeNoWorkspace)
		return report, ErrNoWorkspace
	}

	preview := buildPreview(store, accepted, &report)
	if len(preview.Edits) == 0 {
		c.reportApplied(report)
		return report, nil
	}

	ok := false
	if confirm != nil {
		var err error
		ok, err = confirm.ConfirmEdits(ctx, preview)
		if err != nil {
			return report, err
		}
	}
	if !ok {
		log.Info("Apply declined for %d files", len(preview.Edits))
		report.Declined = true
		c.notice(LevelInfo, noticeDeclined)
		c.reportApplied(report)
		return report, nil
	}

	for _, e := range preview.Edits {
		if err := writeOne(store, e); err != nil {
			log.Error("Writing %s: %v", e.Path, err)
			report.Failed = append(report.Failed, WriteFailure{Path: e.Path, Message: err.Error()})
			continue
		}
		report.Applied = append(report.Applied, e.Path)
	}

	if len(report.Failed) == 0 {
		c.notice(LevelInfo, fmt.Sprintf("Applied %d file(s)", len(report.Applied)))
	} else {
		c.notice(LevelWarning, fmt.Sprintf("Applied %d file(s), %d failed", len(report.Applied), len(report.Failed)))
	}
	c.reportApplied(report)
	return report, nil
}

// AutoConfirm accepts every preview.
type AutoConfirm struct{}

func (AutoConfirm) ConfirmEdits(context.Context, Preview) (bool, error) {
	return true, nil
}
