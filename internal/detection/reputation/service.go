package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"apt-edr/internal/scanner"
	"apt-edr/internal/schema"
)

// ErrIndeterminate marks a reputation lookup that could not be resolved:
// the remote service was unreachable or the response was ambiguous. Not
// clean, not malicious; callers decide policy.
var ErrIndeterminate = errors.New("reputation: remote verdict indeterminate")

// Config holds the reputation service settings.
type Config struct {
	// KnownBadPath is the local known-bad digest file (one SHA-256 per line).
	KnownBadPath string `yaml:"known_bad_path"`
	// APIKey enables the remote reputation tier when non-empty.
	APIKey string `yaml:"api_key"`
	// EngineThreshold is the malicious-engine agreement count above which a
	// remote report is considered malicious. Deployment policy, configurable.
	EngineThreshold int `yaml:"engine_threshold"`
	// LookupTimeout bounds each remote call.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
	// MaxInFlight caps concurrent remote lookups across the whole engine.
	MaxInFlight int `yaml:"max_in_flight"`
	// CacheTTL is how long remote verdicts stay cached.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// DefaultConfig returns the default reputation configuration.
func DefaultConfig() Config {
	return Config{
		EngineThreshold: 5,
		LookupTimeout:   10 * time.Second,
		MaxInFlight:     4,
		CacheTTL:        time.Hour,
	}
}

// Service resolves digests to reputation verdicts through a tiered lookup:
// local known-bad set, then optional cache, then optional remote service.
type Service struct {
	config Config
	remote RemoteClient
	cache  VerdictCache

	mu       sync.RWMutex
	knownBad map[string]struct{}

	// inflight bounds concurrent remote lookups (backpressure, not fan-out).
	inflight chan struct{}
}

// NewService creates a reputation service. remote and cache may be nil; the
// corresponding tiers are then skipped.
func NewService(cfg Config, remote RemoteClient, cache VerdictCache) (*Service, error) {
	if cfg.EngineThreshold <= 0 {
		cfg.EngineThreshold = DefaultConfig().EngineThreshold
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultConfig().LookupTimeout
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}

	knownBad := make(map[string]struct{})
	if cfg.KnownBadPath != "" {
		set, err := LoadKnownBad(cfg.KnownBadPath)
		if err != nil {
			return nil, err
		}
		knownBad = set
		slog.Info("known-bad digest set loaded",
			"path", cfg.KnownBadPath,
			"digests", len(set),
		)
	}

	return &Service{
		config:   cfg,
		remote:   remote,
		cache:    cache,
		knownBad: knownBad,
		inflight: make(chan struct{}, cfg.MaxInFlight),
	}, nil
}

// AddKnownBad inserts digests into the local known-bad set.
func (s *Service) AddKnownBad(digests ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range digests {
		s.knownBad[strings.ToLower(d)] = struct{}{}
	}
}

// Assess digests the file at path and resolves its reputation.
func (s *Service) Assess(ctx context.Context, path string) (schema.ReputationVerdict, error) {
	digest, err := Digest(path)
	if err != nil {
		return schema.ReputationVerdict{Path: path}, err
	}

	verdict, err := s.AssessDigest(ctx, digest)
	verdict.Path = path
	return verdict, err
}

// AssessDigest resolves a precomputed digest. Resolution short-circuits on
// the first conclusive tier: local known-bad set, then cache, then remote.
// An indeterminate remote result is returned as a verdict with
// Source=indeterminate together with an ErrIndeterminate error.
func (s *Service) AssessDigest(ctx context.Context, digest string) (schema.ReputationVerdict, error) {
	digest = strings.ToLower(digest)

	// Tier 1: local known-bad set. Constant-time membership, no network.
	s.mu.RLock()
	_, bad := s.knownBad[digest]
	s.mu.RUnlock()
	if bad {
		return schema.ReputationVerdict{
			Digest:    digest,
			Source:    schema.SourceLocalDB,
			Malicious: true,
			Confirmed: true,
			Detail:    map[string]any{"explanation": "file matches known malware digest"},
		}, nil
	}

	// No remote tier configured: absence of a check is not evidence of
	// absence, so the verdict stays unconfirmed.
	if s.remote == nil {
		return schema.ReputationVerdict{
			Digest:    digest,
			Source:    schema.SourceClean,
			Malicious: false,
			Confirmed: false,
			Detail:    map[string]any{"explanation": "no reputation source consulted"},
		}, nil
	}

	// Tier 2: cached remote verdict.
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, digest); err != nil {
			slog.Warn("verdict cache read failed", "digest", digest, "error", err)
		} else if ok {
			return *cached, nil
		}
	}

	// Tier 3: remote service, under the global in-flight cap.
	select {
	case s.inflight <- struct{}{}:
		defer func() { <-s.inflight }()
	case <-ctx.Done():
		return s.indeterminate(digest, ctx.Err()), fmt.Errorf("%w: %v", ErrIndeterminate, ctx.Err())
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
	defer cancel()

	report, err := s.remote.Lookup(lookupCtx, digest)
	if err != nil {
		if errors.Is(err, ErrDigestUnknown) {
			// The service has never seen this content: confirmed clean.
			verdict := schema.ReputationVerdict{
				Digest:    digest,
				Source:    schema.SourceClean,
				Malicious: false,
				Confirmed: true,
				Detail:    map[string]any{"explanation": "digest unknown to remote reputation service"},
			}
			s.cacheVerdict(ctx, digest, &verdict)
			return verdict, nil
		}

		slog.Warn("remote reputation lookup failed",
			"digest", digest,
			"error", err,
		)
		return s.indeterminate(digest, err), fmt.Errorf("%w: %v", ErrIndeterminate, err)
	}

	verdict := schema.ReputationVerdict{
		Digest:     digest,
		Source:     schema.SourceRemote,
		Malicious:  report.Malicious > s.config.EngineThreshold,
		Confirmed:  true,
		EngineHits: report.Malicious,
		Detail: map[string]any{
			"malicious":  report.Malicious,
			"suspicious": report.Suspicious,
			"harmless":   report.Harmless,
			"undetected": report.Undetected,
		},
	}
	if verdict.Malicious {
		verdict.Detail["explanation"] = fmt.Sprintf("detected by %d antivirus engines", report.Malicious)
	}

	s.cacheVerdict(ctx, digest, &verdict)
	return verdict, nil
}

// AssessFunc receives one verdict (or per-file error) during a directory
// scan. Returning a non-nil error stops the scan.
type AssessFunc func(verdict schema.ReputationVerdict, err error) error

// AssessDirectory scans every file under root, filtered by extension
// (case-insensitive) when exts is non-empty, and streams verdicts to fn.
// Per-file failures are reported through fn and never abort the scan; the
// scan restarts from the beginning on re-invocation.
func (s *Service) AssessDirectory(ctx context.Context, root string, exts []string, fn AssessFunc) error {
	walker := scanner.NewWalker(exts)
	return walker.Walk(root, func(path string, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return fn(schema.ReputationVerdict{Path: path}, walkErr)
		}
		verdict, err := s.Assess(ctx, path)
		return fn(verdict, err)
	})
}

func (s *Service) indeterminate(digest string, cause error) schema.ReputationVerdict {
	return schema.ReputationVerdict{
		Digest:    digest,
		Source:    schema.SourceIndeterminate,
		Malicious: false,
		Confirmed: false,
		Detail:    map[string]any{"error": cause.Error()},
	}
}

func (s *Service) cacheVerdict(ctx context.Context, digest string, verdict *schema.ReputationVerdict) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, digest, verdict, s.config.CacheTTL); err != nil {
		slog.Warn("verdict cache write failed", "digest", digest, "error", err)
	}
}
