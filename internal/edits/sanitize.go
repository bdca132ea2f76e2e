package edits

import (
	"errors"
	"strings"
)

var (
	ErrEmptyPath    = errors.New("path is empty")
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	ErrTraversal    = errors.New("path contains . or .. segments")
)

// SanitizePath normalizes a FILE path to a slash-separated relative path
// or rejects it. It never touches the filesystem.
func SanitizePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", ErrEmptyPath
	}
	if strings.HasPrefix(p, "/") {
		return "", ErrAbsolutePath
	}

	var segments []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return "", ErrEmptyPath
	}
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return "", ErrTraversal
		}
	}
	return strings.Join(segments, "/"), nil
}

// Rejection is a record whose path failed SanitizePath.
type Rejection struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Filter splits records into those with safe paths (normalized in the
// returned copies) and those rejected.
func Filter(records []Record) ([]Record, []Rejection) {
	var accepted []Record
	var rejected []Rejection
	for _, r := range records {
		clean, err := SanitizePath(r.Path)
		if err != nil {
			log.Info("Rejected FILE path %q: %v", r.Path, err)
			rejected = append(rejected, Rejection{Path: r.Path, Reason: err.Error()})
			continue
		}
		r.Path = clean
		accepted = append(accepted, r)
	}
	return accepted, rejected
}
