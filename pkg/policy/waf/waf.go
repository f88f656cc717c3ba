// Package waf implements blacklist pattern detection over canonicalized
// request values. It complements whitelist validation: a detector flags
// known attack shapes in fields too free-form to whitelist.
package waf

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Severity represents the impact level of a detector match.
type Severity string

const (
	// SeverityLow indicates informational detections.
	SeverityLow Severity = "low"
	// SeverityMedium indicates a suspicious but not critical match.
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates a critical match that typically requires blocking.
	SeverityHigh Severity = "high"
)

// Action describes the enforcement decision for a detector rule.
type Action string

const (
	// ActionAllow lets the value pass while recording the detection.
	ActionAllow Action = "allow"
	// ActionBlock marks the report as blocked when the rule matches.
	ActionBlock Action = "block"
)

// Rule declares a detection pattern.
type Rule struct {
	Name     string   `yaml:"name" json:"name" mapstructure:"name"`
	Pattern  string   `yaml:"pattern" json:"pattern" mapstructure:"pattern"`
	Severity Severity `yaml:"severity" json:"severity" mapstructure:"severity"`
	Action   Action   `yaml:"action" json:"action" mapstructure:"action"`
}

// Config bundles the rule set for a detector.
type Config struct {
	Rules []Rule
	// MaxFindings caps the matches collected per evaluation. Zero selects the default.
	MaxFindings int
}

// Match represents a single detection.
type Match struct {
	Rule     string
	Field    string
	Start    int
	End      int
	Severity Severity
	Action   Action
}

// Report summarises matches and the overall enforcement decision.
type Report struct {
	Matches   []Match
	Blocked   bool
	Truncated bool
}

// Highest returns the most severe match, or false when there are none.
func (r Report) Highest() (Match, bool) {
	if len(r.Matches) == 0 {
		return Match{}, false
	}
	best := r.Matches[0]
	for _, m := range r.Matches[1:] {
		if severityRank(m.Severity) > severityRank(best.Severity) {
			best = m
		}
	}
	return best, true
}

// Merge appends other into r.
func (r *Report) Merge(other Report) {
	r.Matches = append(r.Matches, other.Matches...)
	r.Blocked = r.Blocked || other.Blocked
	r.Truncated = r.Truncated || other.Truncated
}

const defaultMaxFindings = 128

type compiledRule struct {
	name     string
	expr     *regexp.Regexp
	severity Severity
	action   Action
}

// Detector evaluates text against the configured rule set. It is immutable
// and safe for concurrent use.
type Detector struct {
	rules       []compiledRule
	maxFindings int
}

// NewDetector constructs a detector using the provided configuration.
func NewDetector(cfg Config) (*Detector, error) {
	maxFindings := cfg.MaxFindings
	if maxFindings <= 0 {
		maxFindings = defaultMaxFindings
	}

	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, rule := range cfg.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return nil, fmt.Errorf("waf: rule name is required")
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			return nil, fmt.Errorf("waf: pattern is required for rule %s", name)
		}
		severity := rule.Severity
		if severity == "" {
			severity = SeverityMedium
		}
		if !isValidSeverity(severity) {
			return nil, fmt.Errorf("waf: invalid severity %q for rule %s", severity, name)
		}
		action := rule.Action
		if action == "" {
			action = ActionBlock
		}
		if !isValidAction(action) {
			return nil, fmt.Errorf("waf: invalid action %q for rule %s", action, name)
		}
		expr, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("waf: invalid pattern for rule %s: %w", name, err)
		}
		compiled = append(compiled, compiledRule{
			name:     name,
			expr:     expr,
			severity: severity,
			action:   action,
		})
	}

	return &Detector{rules: compiled, maxFindings: maxFindings}, nil
}

// Rules returns the rule names in evaluation order.
func (d *Detector) Rules() []string {
	names := make([]string, len(d.rules))
	for i, rule := range d.rules {
		names[i] = rule.name
	}
	return names
}

// Evaluate inspects text, labelled field in the report, and returns the
// matches ordered by position.
func (d *Detector) Evaluate(ctx context.Context, field, text string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	var report Report
	for _, rule := range d.rules {
		for _, idx := range rule.expr.FindAllStringIndex(text, -1) {
			if len(report.Matches) >= d.maxFindings {
				report.Truncated = true
				break
			}
			report.Matches = append(report.Matches, Match{
				Rule:     rule.name,
				Field:    field,
				Start:    idx[0],
				End:      idx[1],
				Severity: rule.severity,
				Action:   rule.action,
			})
			if rule.action == ActionBlock {
				report.Blocked = true
			}
		}
	}

	sort.SliceStable(report.Matches, func(i, j int) bool {
		if report.Matches[i].Start == report.Matches[j].Start {
			return report.Matches[i].End < report.Matches[j].End
		}
		return report.Matches[i].Start < report.Matches[j].Start
	})

	return report, nil
}

func isValidSeverity(severity Severity) bool {
	switch severity {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

func isValidAction(action Action) bool {
	switch action {
	case ActionAllow, ActionBlock:
		return true
	default:
		return false
	}
}

func severityRank(severity Severity) int {
	switch severity {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}
