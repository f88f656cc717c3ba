package policy

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Domain names a part of the firewall that can fail while deciding.
type Domain string

const (
	// DomainRules covers rule checks that panic.
	DomainRules Domain = "rules"
	// DomainPolicy covers Rego evaluation errors.
	DomainPolicy Domain = "policy"
	// DomainDetector covers blacklist detector errors.
	DomainDetector Domain = "detector"
)

// Mode indicates whether a domain fails open or closed when an error occurs.
type Mode string

const (
	// ModeFailClosed denies requests when the domain encounters an error.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen allows requests to continue when the domain encounters an error.
	ModeFailOpen Mode = "fail-open"
)

var defaultModes = map[Domain]Mode{
	DomainRules:    ModeFailClosed,
	DomainPolicy:   ModeFailClosed,
	DomainDetector: ModeFailOpen,
}

// PostureSet stores default postures with optional overrides per domain. The
// zero value behaves like DefaultPostureSet.
type PostureSet struct {
	overrides map[Domain]Mode
}

// DefaultPostureSet returns the builtin postures for all domains.
func DefaultPostureSet() PostureSet {
	return PostureSet{overrides: map[Domain]Mode{}}
}

// Clone provides a deep copy of the set so callers can mutate safely.
func (s PostureSet) Clone() PostureSet {
	clone := PostureSet{overrides: make(map[Domain]Mode, len(s.overrides))}
	maps.Copy(clone.overrides, s.overrides)
	return clone
}

// Mode returns the effective posture for the specified domain.
func (s PostureSet) Mode(domain Domain) Mode {
	if override, ok := s.overrides[domain]; ok {
		return override
	}
	if def, ok := defaultModes[domain]; ok {
		return def
	}
	return ModeFailClosed
}

// FailClosed is shorthand for Mode(domain) == ModeFailClosed.
func (s PostureSet) FailClosed(domain Domain) bool {
	return s.Mode(domain) == ModeFailClosed
}

// Effective returns a snapshot of all effective postures.
func (s PostureSet) Effective() map[Domain]Mode {
	effective := make(map[Domain]Mode, len(defaultModes))
	for domain := range defaultModes {
		effective[domain] = s.Mode(domain)
	}
	return effective
}

// ApplyOverride sets the posture for a domain, validating input.
func (s *PostureSet) ApplyOverride(domain Domain, mode Mode) error {
	if _, ok := defaultModes[domain]; !ok {
		return fmt.Errorf("policy: unknown failure posture domain %q", domain)
	}
	if !mode.IsValid() {
		return fmt.Errorf("policy: invalid failure posture mode %q", mode)
	}
	if s.overrides == nil {
		s.overrides = make(map[Domain]Mode)
	}
	s.overrides[domain] = mode
	return nil
}

// ApplyOverrideStrings parses and applies overrides provided as raw strings.
func (s *PostureSet) ApplyOverrideStrings(overrides map[string]string) error {
	for domainStr, modeStr := range overrides {
		domain := Domain(strings.TrimSpace(strings.ToLower(domainStr)))
		mode, err := ParseMode(modeStr)
		if err != nil {
			return fmt.Errorf("policy: domain %s: %w", domainStr, err)
		}
		if err := s.ApplyOverride(domain, mode); err != nil {
			return err
		}
	}
	return nil
}

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Domains returns the ordered list of supported posture domains.
func Domains() []Domain {
	domains := make([]Domain, 0, len(defaultModes))
	for domain := range defaultModes {
		domains = append(domains, domain)
	}
	sort.Slice(domains, func(i, j int) bool {
		return domains[i] < domains[j]
	})
	return domains
}
