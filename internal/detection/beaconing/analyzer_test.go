package beaconing

import (
	"math/rand"
	"testing"
	"time"

	"apt-edr/internal/schema"
)

var windowStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// regularWindow builds count connections to destIP at a fixed interval.
func regularWindow(destIP, process string, count int, interval time.Duration) []schema.ConnectionRecord {
	conns := make([]schema.ConnectionRecord, 0, count)
	for i := 0; i < count; i++ {
		conns = append(conns, schema.ConnectionRecord{
			DestIP:      destIP,
			DestPort:    443,
			Timestamp:   windowStart.Add(time.Duration(i) * interval),
			ProcessName: process,
			ProcessID:   1234,
		})
	}
	return conns
}

func TestAnalyzeRegularBeacon(t *testing.T) {
	a := New(DefaultConfig())

	// 20 connections at exactly 60s: zero jitter, count tier not exceeded.
	findings := a.Analyze(regularWindow("203.0.113.10", "implant", 20, time.Minute))

	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}

	f := findings[0]
	if f.Kind != schema.KindBeaconing {
		t.Errorf("Kind = %s, want beaconing", f.Kind)
	}
	if f.Indicator != "203.0.113.10" {
		t.Errorf("Indicator = %s, want 203.0.113.10", f.Indicator)
	}
	if f.Severity != 8 {
		t.Errorf("Severity = %d, want 8 (base 5 + 3 jitter tier, no count bonus at exactly 20)", f.Severity)
	}
	if f.Action != schema.ActionInvestigate {
		t.Errorf("Action = %s, want investigate", f.Action)
	}
	if f.ProcessName != "implant" {
		t.Errorf("ProcessName = %s, want implant", f.ProcessName)
	}

	count, ok := f.Evidence["connection_count"].(int)
	if !ok || count != 20 {
		t.Errorf("connection_count evidence = %v, want 20", f.Evidence["connection_count"])
	}
}

func TestAnalyzeSeverityTiers(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		jitter   float64
		severity int
	}{
		{"near perfect timing, small window", 15, 0.005, 8},
		{"tight timing, small window", 15, 0.015, 7},
		{"loose timing, small window", 15, 0.04, 6},
		{"near perfect timing, medium window", 30, 0.005, 9},
		{"near perfect timing, large window", 60, 0.005, 10},
		{"loose timing, large window", 60, 0.04, 8},
	}

	a := New(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := a.severity(timing{jitter: tt.jitter, count: tt.count})
			if got != tt.severity {
				t.Errorf("severity(jitter=%v, count=%d) = %d, want %d",
					tt.jitter, tt.count, got, tt.severity)
			}
		})
	}
}

func TestAnalyzeIgnoresIrregularTraffic(t *testing.T) {
	a := New(DefaultConfig())

	// Human-like traffic: intervals vary wildly.
	rng := rand.New(rand.NewSource(42))
	conns := make([]schema.ConnectionRecord, 0, 30)
	ts := windowStart
	for i := 0; i < 30; i++ {
		ts = ts.Add(time.Duration(5+rng.Intn(300)) * time.Second)
		conns = append(conns, schema.ConnectionRecord{
			DestIP:      "198.51.100.7",
			Timestamp:   ts,
			ProcessName: "browser",
		})
	}

	if findings := a.Analyze(conns); len(findings) != 0 {
		t.Errorf("findings = %d, want 0 for irregular traffic", len(findings))
	}
}

func TestAnalyzeIgnoresSubSecondIntervals(t *testing.T) {
	a := New(DefaultConfig())

	// Perfectly regular but faster than MinInterval: bursty, not beaconing.
	findings := a.Analyze(regularWindow("203.0.113.10", "curl", 20, 500*time.Millisecond))
	if len(findings) != 0 {
		t.Errorf("findings = %d, want 0 for sub-second intervals", len(findings))
	}
}

func TestAnalyzeBelowMinimumGroupSize(t *testing.T) {
	a := New(DefaultConfig())

	findings := a.Analyze(regularWindow("203.0.113.10", "implant", 9, time.Minute))
	if len(findings) != 0 {
		t.Errorf("findings = %d, want 0 below the minimum group size", len(findings))
	}
}

func TestAnalyzeAtMinimumGroupSize(t *testing.T) {
	a := New(DefaultConfig())

	// Exactly the minimum with zero variance must still be flagged.
	findings := a.Analyze(regularWindow("203.0.113.10", "implant", 10, time.Minute))
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1 at exactly the minimum group size", len(findings))
	}
}

func TestAnalyzeGroupsByDestinationAndProcess(t *testing.T) {
	a := New(DefaultConfig())

	// Two processes beaconing to the same destination are separate groups.
	conns := append(
		regularWindow("203.0.113.10", "implant-a", 15, time.Minute),
		regularWindow("203.0.113.10", "implant-b", 15, 30*time.Second)...,
	)

	findings := a.Analyze(conns)
	if len(findings) != 2 {
		t.Fatalf("findings = %d, want 2 (one per group)", len(findings))
	}
	if findings[0].ProcessName == findings[1].ProcessName {
		t.Errorf("both findings name process %s, want distinct groups", findings[0].ProcessName)
	}
}

func TestAnalyzeDeterministicOrder(t *testing.T) {
	a := New(DefaultConfig())

	conns := append(
		regularWindow("203.0.113.20", "b-implant", 15, time.Minute),
		regularWindow("203.0.113.10", "a-implant", 15, time.Minute)...,
	)

	first := a.Analyze(conns)
	for i := 0; i < 10; i++ {
		again := a.Analyze(conns)
		if len(again) != len(first) {
			t.Fatalf("run %d: findings = %d, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].Indicator != first[j].Indicator {
				t.Fatalf("run %d: order differs at %d: %s vs %s",
					i, j, again[j].Indicator, first[j].Indicator)
			}
		}
	}

	if first[0].Indicator != "203.0.113.10" {
		t.Errorf("first indicator = %s, want 203.0.113.10 (sorted order)", first[0].Indicator)
	}
}

func TestAnalyzeUnorderedInput(t *testing.T) {
	a := New(DefaultConfig())

	conns := regularWindow("203.0.113.10", "implant", 20, time.Minute)
	// Shuffle: timestamps must be sorted internally before differencing.
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(conns), func(i, j int) { conns[i], conns[j] = conns[j], conns[i] })

	findings := a.Analyze(conns)
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1 for shuffled regular window", len(findings))
	}
	if findings[0].Severity != 8 {
		t.Errorf("Severity = %d, want 8 regardless of input order", findings[0].Severity)
	}
}

func TestAnalyzeEmptyWindow(t *testing.T) {
	a := New(DefaultConfig())
	if findings := a.Analyze(nil); len(findings) != 0 {
		t.Errorf("findings = %d, want 0 for empty window", len(findings))
	}
}

func TestAnalyzeTimingStatistics(t *testing.T) {
	a := New(DefaultConfig())

	timestamps := []time.Time{
		windowStart,
		windowStart.Add(60 * time.Second),
		windowStart.Add(120 * time.Second),
		windowStart.Add(180 * time.Second),
	}

	stats := a.analyzeTiming(timestamps)
	if stats.avgInterval != 60 {
		t.Errorf("avgInterval = %v, want 60", stats.avgInterval)
	}
	if stats.stdInterval != 0 {
		t.Errorf("stdInterval = %v, want 0", stats.stdInterval)
	}
	if stats.jitter != 0 {
		t.Errorf("jitter = %v, want 0", stats.jitter)
	}
	if !stats.beaconing {
		t.Error("beaconing = false, want true for perfectly regular intervals")
	}
}

func TestAnalyzeTimingIdenticalTimestamps(t *testing.T) {
	a := New(DefaultConfig())

	// All timestamps equal: mean interval is zero, jitter defined as 1.0.
	timestamps := []time.Time{windowStart, windowStart, windowStart}
	stats := a.analyzeTiming(timestamps)
	if stats.jitter != 1.0 {
		t.Errorf("jitter = %v, want 1.0 for zero mean interval", stats.jitter)
	}
	if stats.beaconing {
		t.Error("beaconing = true, want false for zero mean interval")
	}
}
