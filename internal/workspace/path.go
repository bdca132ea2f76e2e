package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Path validation errors.
var (
	ErrPathEscape  = errors.New("path escapes workspace root")
	ErrInvalidPath = errors.New("invalid path")
)

func escapes(rel string) bool {
	// "..." or "..foo" are valid names, not traversals
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SafeJoin joins root with a relative path, ensuring the result stays
// within root. Returns the absolute path.
func SafeJoin(root, relativePath string) (string, error) {
	if err := ValidateRelativePath(relativePath); err != nil {
		return "", err
	}

	absJoined, err := filepath.Abs(filepath.Join(root, filepath.FromSlash(relativePath)))
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absRoot, absJoined)
	if err != nil {
		return "", err
	}
	if escapes(rel) {
		return "", ErrPathEscape
	}
	return absJoined, nil
}

// resolvePathForContainment resolves symlinks for containment checks.
// For non-existent paths, it resolves the nearest existing ancestor and
// re-attaches the missing path suffix.
func resolvePathForContainment(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	current := absPath
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}

		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}

		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

// IsWithinDirReal checks whether target resolves inside root after
// following symlinks. Used as the write guard.
func IsWithinDirReal(root, target string) (bool, error) {
	rootResolved, err := resolvePathForContainment(root)
	if err != nil {
		return false, err
	}
	targetResolved, err := resolvePathForContainment(target)
	if err != nil {
		return false, err
	}

	rel, err := filepath.Rel(rootResolved, targetResolved)
	if err != nil {
		return false, err
	}
	return !escapes(rel), nil
}

// ValidateRelativePath rejects empty, absolute and NUL-containing paths.
func ValidateRelativePath(path string) error {
	if path == "" || strings.ContainsRune(path, '\x00') {
		return ErrInvalidPath
	}
	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return ErrPathEscape
	}
	return nil
}
