package waf

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maintains a threadsafe catalogue of reusable detector rules so
// configuration can refer to them by name.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// NewBuiltinRegistry returns a registry populated with BuiltinRules.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := r.RegisterAll(BuiltinRules()); err != nil {
		panic(err)
	}
	return r
}

// Register inserts or replaces a rule definition.
func (r *Registry) Register(rule Rule) error {
	if strings.TrimSpace(rule.Name) == "" {
		return fmt.Errorf("waf: registry rule name is required")
	}
	if strings.TrimSpace(rule.Pattern) == "" {
		return fmt.Errorf("waf: registry rule %s missing pattern", rule.Name)
	}

	key := strings.ToLower(rule.Name)

	r.mu.Lock()
	r.rules[key] = rule
	r.mu.Unlock()
	return nil
}

// RegisterAll adds multiple rules.
func (r *Registry) RegisterAll(rules []Rule) error {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			return err
		}
	}
	return nil
}

// Resolve fetches a rule definition by name.
func (r *Registry) Resolve(name string) (Rule, bool) {
	if name == "" {
		return Rule{}, false
	}

	key := strings.ToLower(name)

	r.mu.RLock()
	rule, ok := r.rules[key]
	r.mu.RUnlock()
	return rule, ok
}

// ResolveAll fetches every named rule, failing on the first unknown name.
func (r *Registry) ResolveAll(names []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		rule, ok := r.Resolve(name)
		if !ok {
			return nil, fmt.Errorf("waf: unknown rule %q", name)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Names lists the registered rule names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name)
	}
	sort.Strings(names)
	return names
}

// BuiltinRules returns the stock attack patterns. They run against canonical
// values, so encoded variants are caught without their own patterns.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:     "guard.sql.union-select",
			Pattern:  `(?i)union\s+(all\s+)?select`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.sql.comment-sequence",
			Pattern:  `(--|/\*|\*/)`,
			Severity: SeverityMedium,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.sql.tautology",
			Pattern:  `(?i)'\s*or\s+'?\d+'?\s*=\s*'?\d+`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.xss.script-tag",
			Pattern:  `(?i)<script\b`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.xss.event-handler",
			Pattern:  `(?i)\bon[a-z]+\s*=`,
			Severity: SeverityMedium,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.xss.javascript-uri",
			Pattern:  `(?i)javascript\s*:`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.path.traversal",
			Pattern:  `(\.\./|\.\.\\)`,
			Severity: SeverityMedium,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.null-byte",
			Pattern:  `\x00`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "guard.crlf-injection",
			Pattern:  `[\r\n]`,
			Severity: SeverityMedium,
			Action:   ActionBlock,
		},
		// Short aliases for configuration files.
		{
			Name:     "sql_injection",
			Pattern:  `(?i)union\s+(all\s+)?select`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "xss",
			Pattern:  `(?i)<script\b`,
			Severity: SeverityHigh,
			Action:   ActionBlock,
		},
		{
			Name:     "path_traversal",
			Pattern:  `(\.\./|\.\.\\)`,
			Severity: SeverityMedium,
			Action:   ActionBlock,
		},
	}
}
