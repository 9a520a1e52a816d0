package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"apt-edr/internal/detection/reputation"
	"apt-edr/internal/detection/signature"
	"apt-edr/internal/schema"

	"github.com/google/uuid"
)

// HashAssessor resolves a file's hash reputation. Satisfied by
// *reputation.Service; narrow so tests can fake it.
type HashAssessor interface {
	Assess(ctx context.Context, path string) (schema.ReputationVerdict, error)
}

// ConnectionAnalyzer flags beaconing over a connection window. Satisfied by
// *beaconing.Analyzer.
type ConnectionAnalyzer interface {
	Analyze(connections []schema.ConnectionRecord) []schema.Finding
}

// Config holds coordinator settings.
type Config struct {
	// Workers bounds the per-file/per-process worker pool. Zero means the
	// number of available cores.
	Workers int `yaml:"workers"`
	// HashLocalSeverity is assigned to local known-bad hash findings.
	HashLocalSeverity int `yaml:"hash_local_severity"`
	// HashRemoteSeverity is the base severity for remote-confirmed hash
	// findings before the engine-agreement bonus.
	HashRemoteSeverity int `yaml:"hash_remote_severity"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:            runtime.NumCPU(),
		HashLocalSeverity:  9,
		HashRemoteSeverity: 7,
	}
}

// Batch is one scan request's telemetry.
type Batch struct {
	Files       []schema.FileCandidate
	Processes   []schema.ProcessCandidate
	Connections []schema.ConnectionRecord
}

// BatchResult carries the findings and the per-item errors of one batch.
type BatchResult struct {
	Findings []schema.Finding
	Errors   []*ItemError
}

// Coordinator fans a telemetry batch out to the three detectors, normalizes
// their output into findings, and merges overlapping evidence per indicator.
// It performs no I/O of its own beyond delegating to the detectors.
type Coordinator struct {
	matcher   signature.Matcher
	assessor  HashAssessor
	analyzer  ConnectionAnalyzer
	validator *schema.Validator
	config    Config
}

// NewCoordinator creates a Coordinator. All detectors are injected; any may
// be nil, disabling that detector.
func NewCoordinator(cfg Config, matcher signature.Matcher, assessor HashAssessor, analyzer ConnectionAnalyzer) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.HashLocalSeverity <= 0 {
		cfg.HashLocalSeverity = DefaultConfig().HashLocalSeverity
	}
	if cfg.HashRemoteSeverity <= 0 {
		cfg.HashRemoteSeverity = DefaultConfig().HashRemoteSeverity
	}
	return &Coordinator{
		matcher:   matcher,
		assessor:  assessor,
		analyzer:  analyzer,
		validator: schema.NewValidator(),
		config:    cfg,
	}
}

// itemResult is one worker's output for a single file or process.
type itemResult struct {
	findings []schema.Finding
	errs     []*ItemError
}

// Scan runs one detection batch. Per-item failures are collected, never
// fatal. Cancelling ctx stops dispatching new per-item work; items already
// in flight complete and still contribute, so the result is a valid partial
// batch rather than nothing.
func (c *Coordinator) Scan(ctx context.Context, batch Batch) BatchResult {
	started := time.Now()

	type job func() itemResult

	jobs := make([]job, 0, len(batch.Files)+len(batch.Processes))
	for _, file := range batch.Files {
		file := file
		jobs = append(jobs, func() itemResult { return c.scanFile(ctx, file) })
	}
	for _, proc := range batch.Processes {
		proc := proc
		jobs = append(jobs, func() itemResult { return c.scanProcess(ctx, proc) })
	}

	results := make(chan itemResult, len(jobs))
	jobCh := make(chan job)

	var wg sync.WaitGroup
	for i := 0; i < c.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobCh {
				results <- j()
			}
		}()
	}

	dispatched := 0
dispatch:
	for _, j := range jobs {
		select {
		case jobCh <- j:
			dispatched++
		case <-ctx.Done():
			slog.Info("batch scan cancelled, keeping in-flight results",
				"dispatched", dispatched,
				"total", len(jobs),
			)
			break dispatch
		}
	}
	close(jobCh)
	wg.Wait()
	close(results)

	result := BatchResult{}
	for r := range results {
		result.Findings = append(result.Findings, r.findings...)
		result.Errors = append(result.Errors, r.errs...)
	}

	// Beaconing runs synchronously: single in-memory window, CPU only.
	if c.analyzer != nil && ctx.Err() == nil {
		result.Findings = append(result.Findings, c.analyzer.Analyze(batch.Connections)...)
	}

	result.Findings = c.merge(result.Findings)

	for i := range result.Findings {
		f := &result.Findings[i]
		if err := c.validator.Validate(f); err != nil {
			slog.Error("normalized finding failed validation", "indicator", f.Indicator, "error", err)
		}
		if f.Severity >= 8 {
			slog.Warn("high-severity finding",
				"kind", f.Kind,
				"indicator", f.Indicator,
				"severity", f.Severity,
				"action", f.Action,
			)
		}
	}

	slog.Info("batch scan complete",
		"files", len(batch.Files),
		"processes", len(batch.Processes),
		"connections", len(batch.Connections),
		"findings", len(result.Findings),
		"errors", len(result.Errors),
		"elapsed", time.Since(started),
	)
	return result
}

// scanFile runs the signature and hash detectors over one file.
func (c *Coordinator) scanFile(ctx context.Context, file schema.FileCandidate) itemResult {
	var out itemResult

	if c.matcher != nil {
		match, err := c.matcher.ScanFile(ctx, file.Path)
		if err != nil {
			out.errs = append(out.errs, &ItemError{
				Indicator: file.Path,
				Detector:  "signature",
				Err:       fmt.Errorf("%w: %v", ErrInput, err),
			})
		} else if match.Malicious {
			out.findings = append(out.findings, c.signatureFinding(file.Path, "", 0, match))
		}
	}

	if c.assessor != nil {
		verdict, err := c.assessor.Assess(ctx, file.Path)
		switch {
		case errors.Is(err, reputation.ErrIndeterminate):
			// Not clean, not malicious: surface for re-check, don't escalate.
			out.errs = append(out.errs, &ItemError{
				Indicator: file.Path,
				Detector:  "hash",
				Err:       err,
			})
		case err != nil:
			out.errs = append(out.errs, &ItemError{
				Indicator: file.Path,
				Detector:  "hash",
				Err:       fmt.Errorf("%w: %v", ErrInput, err),
			})
		case verdict.Malicious:
			out.findings = append(out.findings, c.hashFinding(file.Path, verdict))
		}
	}

	return out
}

// scanProcess runs the signature detector over one process.
func (c *Coordinator) scanProcess(ctx context.Context, proc schema.ProcessCandidate) itemResult {
	var out itemResult
	if c.matcher == nil {
		return out
	}

	indicator := "pid:" + strconv.Itoa(int(proc.PID))
	match, err := c.matcher.ScanProcess(ctx, proc.PID)
	if err != nil {
		out.errs = append(out.errs, &ItemError{
			Indicator: indicator,
			Detector:  "signature",
			Err:       fmt.Errorf("%w: %v", ErrInput, err),
		})
		return out
	}
	if match.Malicious {
		out.findings = append(out.findings, c.signatureFinding(indicator, proc.Name, proc.PID, match))
	}
	return out
}

func (c *Coordinator) signatureFinding(indicator, procName string, pid int32, match schema.MatchResult) schema.Finding {
	names := make([]string, 0, len(match.Matches))
	evidence := make([]map[string]any, 0, len(match.Matches))
	for _, m := range match.Matches {
		names = append(names, m.Rule)
		evidence = append(evidence, map[string]any{
			"rule":        m.Rule,
			"description": m.Description,
			"severity":    m.Severity,
			"tags":        m.Tags,
		})
	}

	action := schema.ActionInvestigate
	if match.Severity >= 8 {
		action = schema.ActionQuarantine
	}

	return schema.Finding{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Kind:          schema.KindSignature,
		Indicator:     indicator,
		Severity:      match.Severity,
		Explanation:   fmt.Sprintf("Content matched signature rules: %s", strings.Join(names, ", ")),
		Action:        action,
		ProcessName:   procName,
		ProcessID:     pid,
		Evidence:      map[string]any{"matches": evidence},
		SchemaVersion: schema.SchemaVersionCurrent,
		DetectedAt:    time.Now().UTC(),
	}
}

func (c *Coordinator) hashFinding(path string, verdict schema.ReputationVerdict) schema.Finding {
	severity := c.config.HashLocalSeverity
	explanation := "File matches a known malware digest"

	if verdict.Source == schema.SourceRemote {
		severity = c.config.HashRemoteSeverity
		switch {
		case verdict.EngineHits > 25:
			severity += 2
		case verdict.EngineHits > 10:
			severity += 1
		}
		if severity > 10 {
			severity = 10
		}
		explanation = fmt.Sprintf("File flagged by %d antivirus engines", verdict.EngineHits)
	}

	evidence := map[string]any{
		"digest": verdict.Digest,
		"source": string(verdict.Source),
	}
	for k, v := range verdict.Detail {
		evidence[k] = v
	}

	return schema.Finding{
		ID:            uuid.New(),
		Timestamp:     time.Now().UTC(),
		Kind:          schema.KindHash,
		Indicator:     path,
		Severity:      severity,
		Explanation:   explanation,
		Action:        schema.ActionQuarantine,
		Evidence:      evidence,
		SchemaVersion: schema.SchemaVersionCurrent,
		DetectedAt:    time.Now().UTC(),
	}
}

// merge collapses findings that refer to the same indicator into one,
// keeping the highest severity and concatenating explanations and evidence
// instead of emitting duplicates.
func (c *Coordinator) merge(findings []schema.Finding) []schema.Finding {
	if len(findings) < 2 {
		return findings
	}

	merged := make([]schema.Finding, 0, len(findings))
	byIndicator := make(map[string]int)

	for _, f := range findings {
		idx, seen := byIndicator[f.Indicator]
		if !seen {
			byIndicator[f.Indicator] = len(merged)
			merged = append(merged, f)
			continue
		}

		base := &merged[idx]
		// Keep the higher-severity finding as the lead record.
		if f.Severity > base.Severity {
			f.Explanation = f.Explanation + " " + base.Explanation
			f.Evidence = mergeEvidence(f.Evidence, base.Evidence)
			if base.Action == schema.ActionQuarantine {
				f.Action = schema.ActionQuarantine
			}
			merged[idx] = f
			continue
		}

		base.Explanation = base.Explanation + " " + f.Explanation
		base.Evidence = mergeEvidence(base.Evidence, f.Evidence)
		if f.Action == schema.ActionQuarantine {
			base.Action = schema.ActionQuarantine
		}
	}

	return merged
}

func mergeEvidence(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if _, exists := dst[k]; exists {
			dst["merged_"+k] = v
			continue
		}
		dst[k] = v
	}
	return dst
}
