// Package beaconing detects periodic command-and-control communication from
// connection timing statistics.
package beaconing

import (
	"fmt"
	"math"
	"sort"
	"time"

	"apt-edr/internal/schema"

	"github.com/google/uuid"
)

// Config holds the beaconing analyzer thresholds. The severity arithmetic and
// classification bounds are deployment policy, so they are configurable
// rather than hard-coded.
type Config struct {
	// MinConnections is the minimum group size considered for periodicity.
	MinConnections int `yaml:"min_connections"`
	// MaxJitter is the coefficient-of-variation ceiling to flag as beaconing.
	MaxJitter float64 `yaml:"max_jitter"`
	// MinInterval filters out immediate/bursty connections.
	MinInterval time.Duration `yaml:"min_interval"`
	// BaseSeverity is the starting severity before additive bonuses.
	BaseSeverity int `yaml:"base_severity"`
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		MinConnections: 10,
		MaxJitter:      0.05,
		MinInterval:    time.Second,
		BaseSeverity:   5,
	}
}

// Analyzer performs statistical regularity analysis over connection windows.
// It holds no mutable state and is safe for concurrent use.
type Analyzer struct {
	config Config
}

// New creates an Analyzer with the given configuration.
func New(cfg Config) *Analyzer {
	if cfg.MinConnections <= 0 {
		cfg.MinConnections = DefaultConfig().MinConnections
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = DefaultConfig().MaxJitter
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultConfig().MinInterval
	}
	if cfg.BaseSeverity <= 0 {
		cfg.BaseSeverity = DefaultConfig().BaseSeverity
	}
	return &Analyzer{config: cfg}
}

// timing holds the interval statistics for one connection group.
type timing struct {
	beaconing   bool
	avgInterval float64 // seconds
	stdInterval float64 // seconds
	jitter      float64 // coefficient of variation
	count       int
}

// groupKey identifies a (destination, process) connection group.
type groupKey struct {
	destIP  string
	process string
}

// Analyze groups the window by (destination IP, process name), computes
// inter-arrival statistics per group, and returns one finding per group that
// exhibits beaconing. Input ordering does not matter; output is
// deterministic for identical input.
func (a *Analyzer) Analyze(connections []schema.ConnectionRecord) []schema.Finding {
	grouped := make(map[groupKey][]time.Time)
	pids := make(map[groupKey]int32)

	for _, conn := range connections {
		key := groupKey{destIP: conn.DestIP, process: conn.ProcessName}
		grouped[key] = append(grouped[key], conn.Timestamp)
		if conn.ProcessID != 0 {
			pids[key] = conn.ProcessID
		}
	}

	// Deterministic iteration order.
	keys := make([]groupKey, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].destIP != keys[j].destIP {
			return keys[i].destIP < keys[j].destIP
		}
		return keys[i].process < keys[j].process
	})

	var findings []schema.Finding
	for _, key := range keys {
		timestamps := grouped[key]
		if len(timestamps) < a.config.MinConnections {
			continue
		}

		stats := a.analyzeTiming(timestamps)
		if !stats.beaconing {
			continue
		}

		findings = append(findings, schema.Finding{
			ID:          uuid.New(),
			Timestamp:   timestamps[len(timestamps)-1],
			Kind:        schema.KindBeaconing,
			Indicator:   key.destIP,
			Severity:    a.severity(stats),
			Explanation: a.explain(key.destIP, key.process, stats),
			Action:      schema.ActionInvestigate,
			ProcessName: key.process,
			ProcessID:   pids[key],
			Evidence: map[string]any{
				"connection_count":         stats.count,
				"average_interval_seconds": stats.avgInterval,
				"std_interval_seconds":     stats.stdInterval,
				"jitter_percent":           stats.jitter,
			},
			SchemaVersion: schema.SchemaVersionCurrent,
			DetectedAt:    time.Now().UTC(),
		})
	}

	return findings
}

// analyzeTiming computes inter-arrival mean, population standard deviation,
// and jitter (coefficient of variation) for a group of timestamps.
func (a *Analyzer) analyzeTiming(timestamps []time.Time) timing {
	stats := timing{count: len(timestamps)}
	if len(timestamps) < 2 {
		return stats
	}

	sorted := make([]time.Time, len(timestamps))
	copy(sorted, timestamps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	intervals := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		intervals = append(intervals, sorted[i].Sub(sorted[i-1]).Seconds())
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var sqDiff float64
	for _, v := range intervals {
		sqDiff += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sqDiff / float64(len(intervals)))

	jitter := 1.0
	if mean > 0 {
		jitter = std / mean
	}

	stats.avgInterval = mean
	stats.stdInterval = std
	stats.jitter = jitter
	stats.beaconing = jitter < a.config.MaxJitter && mean > a.config.MinInterval.Seconds()
	return stats
}

// severity applies the additive scoring policy: base severity, plus a bonus
// from the jitter tier and a bonus from the sample-count tier, capped at 10.
// Lower jitter and more samples are more suspicious. Zero jitter (perfectly
// regular intervals) lands in the highest tier on purpose.
func (a *Analyzer) severity(stats timing) int {
	severity := a.config.BaseSeverity

	switch {
	case stats.jitter < 0.01:
		severity += 3
	case stats.jitter < 0.02:
		severity += 2
	case stats.jitter < 0.05:
		severity += 1
	}

	switch {
	case stats.count > 50:
		severity += 2
	case stats.count > 20:
		severity += 1
	}

	if severity > 10 {
		severity = 10
	}
	return severity
}

func (a *Analyzer) explain(destIP, process string, stats timing) string {
	return fmt.Sprintf(
		"A program (%s) is connecting to %s every %d seconds with very regular timing (%.1f%% variation). "+
			"This pattern was observed %d times and is typical of malware communicating with an attacker's command server.",
		process, destIP, int(stats.avgInterval), stats.jitter*100, stats.count,
	)
}
