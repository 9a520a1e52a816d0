package signature

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"apt-edr/internal/schema"
)

// maxScanSize caps how much of a file is loaded for matching. Content past
// the cap is not scanned; bounding memory wins over tail coverage.
const maxScanSize = 32 * 1024 * 1024

// Matcher evaluates the active rule set against file or process content.
// The concrete matching backend is pluggable behind this interface.
type Matcher interface {
	ScanFile(ctx context.Context, path string) (schema.MatchResult, error)
	ScanProcess(ctx context.Context, pid int32) (schema.MatchResult, error)
}

// ProcessReader retrieves scannable content for a running process.
type ProcessReader interface {
	ReadProcess(ctx context.Context, pid int32) ([]byte, error)
}

// RuleMatcher is the rule-set-backed Matcher. It reads the rule snapshot
// from the store per call, so a reload between calls is picked up without
// affecting a scan already in flight.
type RuleMatcher struct {
	store *Store
	proc  ProcessReader
}

// NewMatcher creates a RuleMatcher over the store. proc may be nil, in which
// case the platform /proc reader is used.
func NewMatcher(store *Store, proc ProcessReader) *RuleMatcher {
	if proc == nil {
		proc = procReader{}
	}
	return &RuleMatcher{store: store, proc: proc}
}

// ScanFile evaluates the active rule set against the file's bytes. Read
// failures are errors, never an empty match: a file the engine could not
// inspect is not a clean file.
func (m *RuleMatcher) ScanFile(ctx context.Context, path string) (schema.MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return schema.MatchResult{Target: path}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return schema.MatchResult{Target: path}, fmt.Errorf("signature: open %s: %w", path, err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxScanSize))
	if err != nil {
		return schema.MatchResult{Target: path}, fmt.Errorf("signature: read %s: %w", path, err)
	}

	result := m.store.Active().Match(content)
	result.Target = path
	return result, nil
}

// ScanProcess evaluates the active rule set against a process's scannable
// content (command line, environment, and executable image).
func (m *RuleMatcher) ScanProcess(ctx context.Context, pid int32) (schema.MatchResult, error) {
	target := "pid:" + strconv.Itoa(int(pid))

	if err := ctx.Err(); err != nil {
		return schema.MatchResult{Target: target}, err
	}

	content, err := m.proc.ReadProcess(ctx, pid)
	if err != nil {
		return schema.MatchResult{Target: target}, fmt.Errorf("signature: read process %d: %w", pid, err)
	}

	result := m.store.Active().Match(content)
	result.Target = target
	return result, nil
}

// procReader reads process content from /proc. It scans what the engine's
// privileges allow: cmdline and environ are best effort, the executable
// image is required.
type procReader struct{}

func (procReader) ReadProcess(ctx context.Context, pid int32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	procDir := filepath.Join("/proc", strconv.Itoa(int(pid)))
	if _, err := os.Stat(procDir); err != nil {
		return nil, fmt.Errorf("no such process: %w", err)
	}

	var buf bytes.Buffer

	// Best effort: readable without elevated privileges for own processes.
	for _, name := range []string{"cmdline", "environ"} {
		if data, err := os.ReadFile(filepath.Join(procDir, name)); err == nil {
			buf.Write(bytes.ReplaceAll(data, []byte{0}, []byte{' '}))
			buf.WriteByte('\n')
		}
	}

	exe, err := os.Readlink(filepath.Join(procDir, "exe"))
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}

	f, err := os.Open(exe)
	if err != nil {
		return nil, fmt.Errorf("open executable %s: %w", exe, err)
	}
	defer f.Close()

	if _, err := io.Copy(&buf, io.LimitReader(f, maxScanSize)); err != nil {
		return nil, fmt.Errorf("read executable %s: %w", exe, err)
	}

	return buf.Bytes(), nil
}
