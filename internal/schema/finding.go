// Package schema defines the canonical data model for the detection engine.
// All detector output is normalized to a Finding before it leaves the engine.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// DetectionKind identifies which detector produced a finding.
type DetectionKind string

const (
	KindSignature DetectionKind = "signature"
	KindHash      DetectionKind = "hash"
	KindBeaconing DetectionKind = "beaconing"
)

// IsValid checks if the detection kind is a valid value.
func (k DetectionKind) IsValid() bool {
	switch k {
	case KindSignature, KindHash, KindBeaconing:
		return true
	}
	return false
}

// Action is the recommended response to a finding.
type Action string

const (
	ActionQuarantine  Action = "quarantine"
	ActionInvestigate Action = "investigate"
	ActionKill        Action = "kill"
	ActionIsolate     Action = "isolate"
)

// IsValid checks if the action is a valid value.
func (a Action) IsValid() bool {
	switch a {
	case ActionQuarantine, ActionInvestigate, ActionKill, ActionIsolate:
		return true
	}
	return false
}

// Finding is the unified, severity-scored detection record.
// Detectors never mutate a Finding after the coordinator creates it; only the
// persistence layer may later attach dismissal state.
type Finding struct {
	// Required fields
	ID          uuid.UUID     `json:"id" validate:"required"`
	Timestamp   time.Time     `json:"timestamp" validate:"required"`
	Kind        DetectionKind `json:"kind" validate:"required,detection_kind"`
	Indicator   string        `json:"indicator" validate:"required,max=4096"`
	Severity    int           `json:"severity" validate:"required,min=1,max=10"`
	Explanation string        `json:"explanation" validate:"required"`
	Action      Action        `json:"recommended_action" validate:"required,recommended_action"`

	// Optional context
	ProcessName string `json:"process_name,omitempty" validate:"max=256"`
	ProcessID   int32  `json:"process_id,omitempty"`

	// Raw evidence: matched rule list, reputation detail, or timing statistics.
	Evidence map[string]any `json:"evidence,omitempty"`

	// Internal fields (set by the engine)
	SchemaVersion string    `json:"schema_version"`
	DetectedAt    time.Time `json:"detected_at"`
	HostID        string    `json:"host_id,omitempty"`
}

// ConnectionRecord is a single observed network connection. Records are
// immutable once observed; an ordered window of them feeds the beaconing
// analyzer.
type ConnectionRecord struct {
	DestIP      string    `json:"dest_ip" validate:"required,ip"`
	DestPort    int       `json:"dest_port,omitempty" validate:"omitempty,min=0,max=65535"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
	ProcessName string    `json:"process_name" validate:"max=256"`
	ProcessID   int32     `json:"process_id,omitempty"`
	BytesSent   uint64    `json:"bytes_sent,omitempty"`
	BytesRecv   uint64    `json:"bytes_recv,omitempty"`
}

// FileCandidate is a file selected for scanning by the directory-walk
// collaborator. Consumed read-only by detectors.
type FileCandidate struct {
	Path      string `json:"path" validate:"required"`
	Digest    string `json:"digest,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Extension string `json:"extension,omitempty"`
}

// ProcessCandidate identifies a running process selected for scanning.
type ProcessCandidate struct {
	PID  int32  `json:"pid" validate:"required,min=1"`
	Name string `json:"name,omitempty" validate:"max=256"`
}

// VerdictSource identifies which tier of the reputation lookup produced a
// verdict.
type VerdictSource string

const (
	// SourceLocalDB means the digest matched the local known-bad set.
	SourceLocalDB VerdictSource = "local-db"
	// SourceRemote means the remote reputation service classified the digest.
	SourceRemote VerdictSource = "remote"
	// SourceClean means no tier classified the digest as malicious.
	SourceClean VerdictSource = "clean"
	// SourceIndeterminate means the remote service could not be consulted
	// conclusively. Not clean, not malicious; callers decide policy.
	SourceIndeterminate VerdictSource = "indeterminate"
)

// ReputationVerdict is the outcome of a hash reputation lookup.
type ReputationVerdict struct {
	Digest    string        `json:"digest"`
	Path      string        `json:"path,omitempty"`
	Source    VerdictSource `json:"source"`
	Malicious bool          `json:"malicious"`
	// Confirmed distinguishes a remote-verified clean verdict from the
	// absence of a check (no credential configured).
	Confirmed bool `json:"confirmed"`
	// EngineHits is the engine-agreement count for remote verdicts.
	EngineHits int            `json:"engine_hits,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// RuleMatch describes a single signature rule that matched.
type RuleMatch struct {
	Rule        string   `json:"rule"`
	Description string   `json:"description,omitempty"`
	Severity    int      `json:"severity"`
	Tags        []string `json:"tags,omitempty"`
}

// MatchResult is the outcome of evaluating the active rule set against one
// target. An empty Matches slice means not malicious.
type MatchResult struct {
	Target    string      `json:"target"`
	Matches   []RuleMatch `json:"matches,omitempty"`
	Malicious bool        `json:"malicious"`
	// Severity is the maximum severity over all matches, 0 when clean.
	Severity int `json:"severity"`
}

// SchemaVersionCurrent is the current version of the finding schema.
const SchemaVersionCurrent = "1.0.0"
