// Package scanner provides filesystem traversal for the detection engine.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrSkipped signals the walk callback chose to skip an entry.
var ErrSkipped = errors.New("scanner: entry skipped")

// WalkFunc is invoked for every regular file the walker visits.
// err is non-nil when the entry could not be read; path is still provided so
// callers can report the failure per-item without aborting the walk.
type WalkFunc func(path string, err error) error

// Walker traverses a directory tree and yields candidate files.
// Directory symlinks are followed, but never through the same resolved
// directory twice, so cyclic symlinks terminate.
type Walker struct {
	// Extensions filters files by extension (case-insensitive, including the
	// leading dot). Empty means no filter.
	Extensions []string
}

// NewWalker creates a Walker with the given extension filter.
func NewWalker(extensions []string) *Walker {
	return &Walker{Extensions: extensions}
}

// Walk traverses root recursively and calls fn for every matching file.
// The traversal is exhaustive, filtered, and loop-safe; per-entry read
// failures are passed to fn rather than aborting the walk. Returning a
// non-nil error from fn stops the walk.
func (w *Walker) Walk(root string, fn WalkFunc) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("scanner: cannot walk %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("scanner: %s is not a directory", root)
	}

	visited := make(map[string]struct{})
	return w.walkDir(root, visited, fn)
}

func (w *Walker) walkDir(dir string, visited map[string]struct{}, fn WalkFunc) error {
	// Resolve through symlinks so a cycle maps to an already-seen key.
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fn(dir, err)
	}
	if _, seen := visited[real]; seen {
		return nil
	}
	visited[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fn(dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		typ := entry.Type()
		if typ&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				// Dangling symlink; report and continue.
				if err := fn(path, err); err != nil {
					return err
				}
				continue
			}
			if target.IsDir() {
				if err := w.walkDir(path, visited, fn); err != nil {
					return err
				}
				continue
			}
			typ = target.Mode().Type()
		}

		switch {
		case entry.IsDir():
			if err := w.walkDir(path, visited, fn); err != nil {
				return err
			}
		case typ.IsRegular():
			if !w.matchesExtension(path) {
				continue
			}
			if err := fn(path, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *Walker) matchesExtension(path string) bool {
	if len(w.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range w.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}
