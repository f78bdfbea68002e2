// Package store is the filesystem capability of the mirror: it creates the
// output tree and writes files atomically so a cancelled run never leaves a
// partial file at a final path.
package store

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// StateDir is the hidden directory holding crawl bookkeeping inside the output root.
const StateDir = ".sitemirror"

// originalDir holds the pre-rewrite bytes of HTML and CSS documents.
const originalDir = StateDir + "/original"

var (
	// ErrNotWritable is returned by New when the output root cannot be written.
	ErrNotWritable = errors.New("output directory is not writable")

	// ErrWrite wraps every failure to persist a file.
	ErrWrite = errors.New("write failure")

	// ErrUnsafePath is returned for paths that would escape the output root.
	ErrUnsafePath = errors.New("unsafe local path")
)

// Store writes mirror files below a root directory.
// Paths given to its methods are slash-separated and relative to the root.
type Store struct {
	root string
}

// New creates the root directory if needed and checks that it is writable.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotWritable)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}

	probe, err := os.CreateTemp(abs, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWritable, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)

	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the absolute filesystem path of rel.
func (s *Store) Path(rel string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(rel, "/"))
	if !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, rel)
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Exists reports whether rel is a regular file with nonzero size.
func (s *Store) Exists(rel string) bool {
	p, err := s.Path(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Size() > 0
}

// Write stores data at rel. The bytes go to a temporary file in the target
// directory which is renamed into place once fully written.
func (s *Store) Write(rel string, data []byte) error {
	p, err := s.Path(rel)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create directory for %s: %w", ErrWrite, rel, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(p)+"-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file for %s: %w", ErrWrite, rel, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("%w: %s: %w", ErrWrite, rel, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %s: %w", ErrWrite, rel, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("%w: %s: %w", ErrWrite, rel, err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		cleanup()
		return fmt.Errorf("%w: %s: %w", ErrWrite, rel, err)
	}
	return nil
}

// Read returns the content of rel.
func (s *Store) Read(rel string) ([]byte, error) {
	p, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteOriginal stages the unmodified bytes of a document so it can be
// rewritten again later from the same input.
func (s *Store) WriteOriginal(rel string, data []byte) error {
	return s.Write(originalPath(rel), data)
}

// ReadOriginal returns the staged bytes of a document.
func (s *Store) ReadOriginal(rel string) ([]byte, error) {
	return s.Read(originalPath(rel))
}

// HasOriginal reports whether a document has staged bytes.
func (s *Store) HasOriginal(rel string) bool {
	return s.Exists(originalPath(rel))
}

func originalPath(rel string) string {
	return path.Join(originalDir, path.Clean(strings.TrimPrefix(rel, "/")))
}
