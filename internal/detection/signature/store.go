package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	// ErrCompile indicates one or more rule sources failed to compile.
	ErrCompile = errors.New("signature: rule compilation failed")
	// ErrBootstrap indicates default rules could not be persisted.
	ErrBootstrap = errors.New("signature: default rule bootstrap failed")
)

// CompileError reports a rule source that failed to compile.
type CompileError struct {
	File string
	Err  error
}

// Error returns the error message.
func (e *CompileError) Error() string {
	return fmt.Sprintf("signature: compile %s: %v", e.File, e.Err)
}

// Unwrap supports errors.Is(err, ErrCompile).
func (e *CompileError) Unwrap() error { return ErrCompile }

// Store owns the active rule set. Reload compiles the whole rules directory
// and swaps the active set atomically, so concurrent readers always observe
// either the previous or the new fully-compiled set, never a partial one.
type Store struct {
	dir string

	active atomic.Pointer[RuleSet]

	// reloadMu serializes reloads; reads are lock-free.
	reloadMu sync.Mutex
}

// NewStore creates the store, bootstrapping default rules when the directory
// is empty or missing, and loads the initial rule set. A bootstrap write
// failure is fatal to initialization; after that, only total compile failure
// degrades the store to an empty set.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}

	if err := s.bootstrap(); err != nil {
		return nil, err
	}

	if err := s.Reload(); err != nil {
		// Initial load with compile failures leaves a logged empty set
		// rather than failing the engine; coverage is degraded, not absent.
		slog.Error("initial rule load failed, running with degraded coverage", "error", err)
	}
	return s, nil
}

// Active returns a snapshot of the current rule set. Never nil after a
// successful NewStore.
func (s *Store) Active() *RuleSet {
	return s.active.Load()
}

// Dir returns the rules directory.
func (s *Store) Dir() string { return s.dir }

// Reload scans the rules directory, compiles every rule source, and swaps
// the active set. On any compile failure no swap of a partial set happens:
// the previous good set is retained when one exists, otherwise the store
// degrades to an empty set and logs it.
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	files, err := s.ruleFiles()
	if err != nil {
		return err
	}

	var rules []Rule
	hasher := sha256.New()
	var failed error

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			failed = &CompileError{File: file, Err: err}
			break
		}
		parsed, err := ParseRuleFile(data)
		if err != nil {
			failed = &CompileError{File: file, Err: err}
			break
		}
		rules = append(rules, parsed...)
		hasher.Write(data)
	}

	if failed == nil {
		version := hex.EncodeToString(hasher.Sum(nil))[:12]
		set, err := NewRuleSet(version, rules)
		if err != nil {
			failed = &CompileError{File: s.dir, Err: err}
		} else {
			s.active.Store(set)
			slog.Info("signature rules loaded",
				"dir", s.dir,
				"files", len(files),
				"rules", set.Len(),
				"version", set.Version,
			)
			return nil
		}
	}

	slog.Error("rule compilation failed", "error", failed)
	if s.active.Load() == nil {
		// No previous good set to retain.
		s.active.Store(&RuleSet{Version: "empty"})
		slog.Warn("no valid rule set available, signature coverage degraded to empty")
	}
	return failed
}

// ruleFiles lists the rule sources in the directory, sorted for a stable
// version hash.
func (s *Store) ruleFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("signature: read rules dir %s: %w", s.dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext == ".yml" || ext == ".yaml" {
			files = append(files, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

// bootstrap creates the rules directory and persists the default rule files
// when no rule sources exist, so subsequent reloads are stable.
func (s *Store) bootstrap() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrBootstrap, s.dir, err)
	}

	files, err := s.ruleFiles()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBootstrap, err)
	}
	if len(files) > 0 {
		return nil
	}

	slog.Warn("no signature rules found, writing defaults", "dir", s.dir)
	for name, content := range defaultRuleFiles() {
		path := filepath.Join(s.dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrBootstrap, path, err)
		}
	}

	return nil
}
