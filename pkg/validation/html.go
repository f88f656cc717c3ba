package validation

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/polisai/polis-guard/pkg/domain"
)

func newHTMLPolicy(name string) (*bluemonday.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", HTMLPolicyUGC:
		return bluemonday.UGCPolicy().RequireNoFollowOnLinks(false), nil
	case HTMLPolicyStrict:
		return bluemonday.StrictPolicy(), nil
	default:
		return nil, fmt.Errorf("validation: unknown html policy %q", name)
	}
}

// GetValidSafeHTML canonicalizes input and returns it when the sanitizer
// policy would leave it unchanged.
func (v *Validator) GetValidSafeHTML(name, input string) (string, error) {
	canon, err := v.Canonicalize(name, input)
	if err != nil {
		return "", err
	}

	sanitized := html.UnescapeString(v.html.Sanitize(canon))
	if sanitized != canon {
		return "", v.fail(context.Background(), domain.KindValidation, ReasonPatternMismatch, name, "SafeHTML",
			"Invalid HTML", fmt.Sprintf("%s contains markup outside the policy", name))
	}
	return canon, nil
}

// IsValidSafeHTML is GetValidSafeHTML collapsed to a boolean.
func (v *Validator) IsValidSafeHTML(name, input string) bool {
	_, err := v.GetValidSafeHTML(name, input)
	return err == nil
}

// SanitizeHTML returns input cleaned by the configured policy without judging it.
func (v *Validator) SanitizeHTML(input string) string {
	return v.html.Sanitize(input)
}
