package report

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/patrol/internal/event"
)

// Policy maps a finding to the escalation handles that belong on its alert.
// Rules are evaluated in file order; every matching rule contributes its
// targets. Findings matching no rule fall back to DefaultTargets.
type Policy struct {
	DefaultTargets []string `yaml:"default_targets"`
	Rules          []Rule   `yaml:"rules"`
}

// Rule selects findings by service and, optionally, error type and minimum
// severity. Empty selectors match everything.
type Rule struct {
	Service     string   `yaml:"service"`
	ErrorType   string   `yaml:"error_type"`
	MinSeverity string   `yaml:"min_severity"`
	Targets     []string `yaml:"targets"`

	minSeverity event.Severity
}

// LoadPolicy reads an escalation policy from a YAML file. An empty path
// yields an empty policy with no targets.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read escalation policy: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse escalation policy %s: %w", path, err)
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.MinSeverity == "" {
			r.minSeverity = event.SeverityInfo
			continue
		}
		sev, err := event.ParseSeverity(r.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("escalation policy %s rule %d: %w", path, i, err)
		}
		r.minSeverity = sev
	}
	return &p, nil
}

// TargetsFor returns the escalation handles for a finding, deduplicated in
// rule order.
func (p *Policy) TargetsFor(service, errorType string, sev event.Severity) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(targets []string) {
		for _, t := range targets {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}

	matched := false
	for _, r := range p.Rules {
		if r.Service != "" && r.Service != service {
			continue
		}
		if r.ErrorType != "" && r.ErrorType != errorType {
			continue
		}
		if sev < r.minSeverity {
			continue
		}
		matched = true
		add(r.Targets)
	}
	if !matched {
		add(p.DefaultTargets)
	}
	return out
}
