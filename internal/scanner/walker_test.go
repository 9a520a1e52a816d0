package scanner

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("content"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func collect(t *testing.T, w *Walker, root string) []string {
	t.Helper()
	var paths []string
	err := w.Walk(root, func(path string, err error) error {
		if err != nil {
			t.Errorf("unexpected per-entry error for %s: %v", path, err)
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	sort.Strings(paths)
	return paths
}

func TestWalkRecursive(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.exe", "sub/b.exe", "sub/deep/c.exe")

	paths := collect(t, NewWalker(nil), dir)
	want := []string{"a.exe", filepath.Join("sub", "b.exe"), filepath.Join("sub", "deep", "c.exe")}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestWalkExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "keep.exe", "keep.DLL", "skip.txt", "noext")

	paths := collect(t, NewWalker([]string{".exe", ".dll"}), dir)
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want the 2 matching extensions (case-insensitive)", paths)
	}
}

func TestWalkSymlinkLoopTerminates(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "sub/file.exe")

	// sub/loop -> dir creates a cycle through the root.
	if err := os.Symlink(dir, filepath.Join(dir, "sub", "loop")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	visits := 0
	err := NewWalker(nil).Walk(dir, func(path string, err error) error {
		if err == nil {
			visits++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if visits != 1 {
		t.Errorf("file visited %d times, want exactly 1 despite the symlink cycle", visits)
	}
}

func TestWalkDanglingSymlinkReported(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "dangling")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	writeFiles(t, dir, "real.exe")

	var perEntryErrs, files int
	err := NewWalker(nil).Walk(dir, func(path string, err error) error {
		if err != nil {
			perEntryErrs++
			return nil
		}
		files++
		return nil
	})
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if perEntryErrs != 1 {
		t.Errorf("per-entry errors = %d, want 1 for the dangling symlink", perEntryErrs)
	}
	if files != 1 {
		t.Errorf("files = %d, want 1 (walk continues past the failure)", files)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	err := NewWalker(nil).Walk(filepath.Join(t.TempDir(), "missing"), func(string, error) error {
		t.Error("callback invoked for missing root")
		return nil
	})
	if err == nil {
		t.Error("Walk() error = nil, want error for missing root")
	}
}

func TestWalkRootIsFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "file.exe")

	err := NewWalker(nil).Walk(filepath.Join(dir, "file.exe"), func(string, error) error { return nil })
	if err == nil {
		t.Error("Walk() error = nil, want error for non-directory root")
	}
}

func TestWalkCallbackStopsWalk(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "a.exe", "b.exe", "c.exe")

	stop := errors.New("stop")
	seen := 0
	err := NewWalker(nil).Walk(dir, func(path string, walkErr error) error {
		seen++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Walk() error = %v, want the callback's error", err)
	}
	if seen != 1 {
		t.Errorf("callback invoked %d times, want 1 before stopping", seen)
	}
}
