// Package signature provides compiled signature rule sets and content
// matching for the detection engine.
package signature

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"apt-edr/internal/schema"

	"gopkg.in/yaml.v3"
)

// Rule is one signature rule as authored in a YAML rule file.
type Rule struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Severity    int       `yaml:"severity"`
	Tags        []string  `yaml:"tags,omitempty"`
	Patterns    []Pattern `yaml:"patterns"`
	Condition   Condition `yaml:"condition,omitempty"`
}

// Pattern is a byte or string pattern within a rule.
type Pattern struct {
	ID string `yaml:"id"`
	// Text is a literal string pattern. Exactly one of Text and Hex is set.
	Text string `yaml:"text,omitempty"`
	// Hex is a hex-encoded byte pattern.
	Hex    string `yaml:"hex,omitempty"`
	NoCase bool   `yaml:"nocase,omitempty"`
}

// Condition controls how pattern matches combine into a rule match.
// With Groups set, every group must have at least one matching pattern
// (AND of ORs). Otherwise Match decides: "any" (default) or "all".
type Condition struct {
	Match  string     `yaml:"match,omitempty"`
	Groups [][]string `yaml:"groups,omitempty"`
}

// RuleFile is the on-disk format of a rule source.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Validate checks rule structure before compilation.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Severity < 1 || r.Severity > 10 {
		return fmt.Errorf("rule %s: severity must be in [1,10], got %d", r.Name, r.Severity)
	}
	if len(r.Patterns) == 0 {
		return fmt.Errorf("rule %s: at least one pattern is required", r.Name)
	}

	ids := make(map[string]bool, len(r.Patterns))
	for i, p := range r.Patterns {
		if p.ID == "" {
			return fmt.Errorf("rule %s: pattern %d: id is required", r.Name, i)
		}
		if ids[p.ID] {
			return fmt.Errorf("rule %s: duplicate pattern id %q", r.Name, p.ID)
		}
		ids[p.ID] = true
		if (p.Text == "") == (p.Hex == "") {
			return fmt.Errorf("rule %s: pattern %s: exactly one of text or hex is required", r.Name, p.ID)
		}
	}

	switch r.Condition.Match {
	case "", "any", "all":
	default:
		return fmt.Errorf("rule %s: invalid condition match %q", r.Name, r.Condition.Match)
	}
	for gi, group := range r.Condition.Groups {
		if len(group) == 0 {
			return fmt.Errorf("rule %s: condition group %d is empty", r.Name, gi)
		}
		for _, id := range group {
			if !ids[id] {
				return fmt.Errorf("rule %s: condition group %d references unknown pattern %q", r.Name, gi, id)
			}
		}
	}

	return nil
}

// compiledPattern is a pattern lowered to a byte needle.
type compiledPattern struct {
	id     string
	needle []byte
	nocase bool
}

// CompiledRule is a rule ready for matching.
type CompiledRule struct {
	Name        string
	Description string
	Severity    int
	Tags        []string

	patterns []compiledPattern
	matchAll bool
	groups   [][]string
}

// Compile validates and lowers a rule into matchable form.
func (r *Rule) Compile() (*CompiledRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	compiled := &CompiledRule{
		Name:        r.Name,
		Description: r.Description,
		Severity:    r.Severity,
		Tags:        r.Tags,
		matchAll:    r.Condition.Match == "all",
		groups:      r.Condition.Groups,
	}

	for _, p := range r.Patterns {
		var needle []byte
		switch {
		case p.Text != "":
			needle = []byte(p.Text)
			if p.NoCase {
				needle = bytes.ToLower(needle)
			}
		default:
			decoded, err := hex.DecodeString(strings.ReplaceAll(p.Hex, " ", ""))
			if err != nil {
				return nil, fmt.Errorf("rule %s: pattern %s: invalid hex: %w", r.Name, p.ID, err)
			}
			if len(decoded) == 0 {
				return nil, fmt.Errorf("rule %s: pattern %s: empty hex pattern", r.Name, p.ID)
			}
			needle = decoded
		}
		compiled.patterns = append(compiled.patterns, compiledPattern{
			id:     p.ID,
			needle: needle,
			nocase: p.NoCase && p.Text != "",
		})
	}

	return compiled, nil
}

// Match evaluates the rule against content. lowered must be the
// lowercase form of content when the rule set contains nocase patterns;
// it may be nil otherwise.
func (r *CompiledRule) Match(content, lowered []byte) bool {
	matched := make(map[string]bool, len(r.patterns))
	anyHit := false
	allHit := true

	for _, p := range r.patterns {
		haystack := content
		if p.nocase {
			haystack = lowered
		}
		hit := bytes.Contains(haystack, p.needle)
		matched[p.id] = hit
		anyHit = anyHit || hit
		allHit = allHit && hit
	}

	if len(r.groups) > 0 {
		for _, group := range r.groups {
			groupHit := false
			for _, id := range group {
				if matched[id] {
					groupHit = true
					break
				}
			}
			if !groupHit {
				return false
			}
		}
		return true
	}

	if r.matchAll {
		return allHit
	}
	return anyHit
}

// needsLowered reports whether any pattern matches case-insensitively.
func (r *CompiledRule) needsLowered() bool {
	for _, p := range r.patterns {
		if p.nocase {
			return true
		}
	}
	return false
}

// RuleSet is an immutable compiled rule set. Safe for concurrent readers;
// the store replaces it wholesale, never mutates it in place.
type RuleSet struct {
	Version string
	Rules   []*CompiledRule

	needsLowered bool
}

// NewRuleSet compiles a set of rules under a version label.
func NewRuleSet(version string, rules []Rule) (*RuleSet, error) {
	set := &RuleSet{Version: version}
	for i := range rules {
		compiled, err := rules[i].Compile()
		if err != nil {
			return nil, err
		}
		set.Rules = append(set.Rules, compiled)
		set.needsLowered = set.needsLowered || compiled.needsLowered()
	}
	return set, nil
}

// Len returns the number of rules in the set.
func (s *RuleSet) Len() int {
	return len(s.Rules)
}

// Match evaluates every rule against content and returns the matches.
// The overall severity is the maximum over all matched rules.
func (s *RuleSet) Match(content []byte) schema.MatchResult {
	var lowered []byte
	if s.needsLowered {
		lowered = bytes.ToLower(content)
	}

	result := schema.MatchResult{}
	for _, rule := range s.Rules {
		if !rule.Match(content, lowered) {
			continue
		}
		result.Matches = append(result.Matches, schema.RuleMatch{
			Rule:        rule.Name,
			Description: rule.Description,
			Severity:    rule.Severity,
			Tags:        rule.Tags,
		})
		if rule.Severity > result.Severity {
			result.Severity = rule.Severity
		}
	}
	result.Malicious = len(result.Matches) > 0
	return result
}

// ParseRuleFile parses one YAML rule source.
func ParseRuleFile(data []byte) ([]Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule file: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rule file contains no rules")
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return file.Rules, nil
}
