package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Read for a file that does not exist.
var ErrNotFound = errors.New("file not found")

// Store reads and writes files under a single workspace root.
// Every path is relative to the root and may not leave it, including
// through symlinks.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root, which must be an existing directory.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, abs)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) resolve(path string) (string, error) {
	full, err := SafeJoin(s.root, path)
	if err != nil {
		return "", err
	}
	ok, err := IsWithinDirReal(s.root, full)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrPathEscape
	}
	return full, nil
}

// Read returns the content of path, or ErrNotFound.
func (s *Store) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Write replaces the content of path. The parent directory must exist.
func (s *Store) Write(path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	log.Debug("Writing %s (%d bytes)", path, len(data))
	return os.WriteFile(full, data, 0644)
}

// Stat reports whether path exists.
func (s *Store) Stat(path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(full)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// CreateDirectory creates path and any missing parents.
func (s *Store) CreateDirectory(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0755)
}
