// Package validation implements canonicalizing whitelist validation of
// untrusted request data.
//
// Every strict check funnels through GetValidInput: the value is reduced to
// its canonical form, rejected when it was encoded more than once, and then
// required to fully match the registered pattern for its type. Strict checks
// return a *domain.ValidationError whose Kind separates ordinary validation
// failures from configuration mistakes, intrusion signals and resource
// limits. The IsValid* conveniences collapse all of those to false.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/polisai/polis-guard/pkg/canonical"
	"github.com/polisai/polis-guard/pkg/domain"
)

const (
	defaultMaxUploadSize int64 = 10 << 20

	// HTMLPolicyUGC allows common user-generated formatting markup.
	HTMLPolicyUGC = "ugc"
	// HTMLPolicyStrict strips every element.
	HTMLPolicyStrict = "strict"
)

// Error reasons carried by *domain.ValidationError.
const (
	ReasonInputMissing          = "input_missing"
	ReasonTypeMissing           = "type_missing"
	ReasonTypeUnregistered      = "type_unregistered"
	ReasonPatternMismatch       = "pattern_mismatch"
	ReasonMaxLength             = "max_length"
	ReasonMultipleEncoding      = "multiple_encoding"
	ReasonCanonicalizationLimit = "canonicalization_limit"
	ReasonMultipleValues        = "multiple_values"
	ReasonInvalidNumber         = "invalid_number"
	ReasonInvalidDate           = "invalid_date"
	ReasonFilenameMismatch      = "filename_mismatch"
	ReasonNullByte              = "null_byte"
	ReasonExtensionNotAllowed   = "extension_not_allowed"
	ReasonInvalidLimit          = "invalid_limit"
	ReasonReadLimit             = "read_limit"
	ReasonReadFailed            = "read_failed"
)

// Config holds the immutable validation settings.
type Config struct {
	Canonicalization canonical.Config
	// Types are registered on top of DefaultTypes, replacing same-named ones.
	Types []TypeDefinition
	// DisableDefaultTypes starts from an empty registry.
	DisableDefaultTypes bool
	// AllowMultipleEncoding accepts double or mixed encoded input. Off by default.
	AllowMultipleEncoding bool
	// AllowedExtensions lists file name suffixes accepted by file name checks.
	AllowedExtensions []string
	// MaxUploadSize is the exclusive upper bound on file content length.
	MaxUploadSize int64
	// HTMLPolicy selects the sanitizer policy: "ugc" (default) or "strict".
	HTMLPolicy string
}

// DefaultAllowedExtensions is used when Config.AllowedExtensions is empty.
func DefaultAllowedExtensions() []string {
	return []string{
		".pdf", ".txt", ".csv", ".rtf",
		".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
		".zip", ".gz", ".tgz",
		".png", ".jpg", ".jpeg", ".gif",
	}
}

// Option customises a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for validation findings.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithRegistry replaces the registry built from Config.
func WithRegistry(registry *Registry) Option {
	return func(v *Validator) {
		if registry != nil {
			v.registry = registry
		}
	}
}

// WithCanonicalizer replaces the canonicalizer built from Config.
func WithCanonicalizer(c *canonical.Canonicalizer) Option {
	return func(v *Validator) {
		if c != nil {
			v.canon = c
		}
	}
}

// Validator performs every check. It holds no per-request state and is safe
// for concurrent use.
type Validator struct {
	registry              *Registry
	canon                 *canonical.Canonicalizer
	logger                *slog.Logger
	allowedExtensions     []string
	maxUploadSize         int64
	allowMultipleEncoding bool
	html                  *bluemonday.Policy
}

// New constructs a Validator from cfg.
func New(cfg Config, opts ...Option) (*Validator, error) {
	v := &Validator{
		logger:                slog.Default(),
		maxUploadSize:         cfg.MaxUploadSize,
		allowMultipleEncoding: cfg.AllowMultipleEncoding,
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.registry == nil {
		registry := NewRegistry()
		if !cfg.DisableDefaultTypes {
			if err := registry.RegisterAll(DefaultTypes()); err != nil {
				return nil, err
			}
		}
		if err := registry.RegisterAll(cfg.Types); err != nil {
			return nil, err
		}
		v.registry = registry
	}

	if v.canon == nil {
		c, err := canonical.New(cfg.Canonicalization)
		if err != nil {
			return nil, err
		}
		v.canon = c
	}

	if v.maxUploadSize < 0 {
		return nil, fmt.Errorf("validation: negative max upload size %d", v.maxUploadSize)
	}
	if v.maxUploadSize == 0 {
		v.maxUploadSize = defaultMaxUploadSize
	}

	extensions := cfg.AllowedExtensions
	if len(extensions) == 0 {
		extensions = DefaultAllowedExtensions()
	}
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		v.allowedExtensions = append(v.allowedExtensions, ext)
	}

	policy, err := newHTMLPolicy(cfg.HTMLPolicy)
	if err != nil {
		return nil, err
	}
	v.html = policy

	return v, nil
}

// Registry exposes the type registry.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// Canonicalizer exposes the canonicalizer.
func (v *Validator) Canonicalizer() *canonical.Canonicalizer {
	return v.canon
}

// GetValidInput canonicalizes input and requires the canonical form to fully
// match the whitelist pattern registered for typ. It returns the canonical
// value; nothing else should be trusted by callers.
func (v *Validator) GetValidInput(name, typ, input string) (string, error) {
	return v.GetValidInputContext(context.Background(), name, typ, input)
}

// GetValidInputContext is GetValidInput with failures logged against ctx.
func (v *Validator) GetValidInputContext(ctx context.Context, name, typ, input string) (string, error) {
	if strings.TrimSpace(typ) == "" {
		return "", v.fail(ctx, domain.KindConfiguration, ReasonTypeMissing, name, typ,
			"Validation type required", fmt.Sprintf("no validation type given for %s", name))
	}

	t, ok := v.registry.Resolve(typ)
	if !ok {
		return "", v.fail(ctx, domain.KindConfiguration, ReasonTypeUnregistered, name, typ,
			"Validation type not configured", fmt.Sprintf("%s (%s) has no registered pattern", typ, name))
	}

	canon, err := v.canonicalize(ctx, name, typ, input)
	if err != nil {
		return "", err
	}

	if !t.WithinLength(canon) {
		return "", v.fail(ctx, domain.KindValidation, ReasonMaxLength, name, typ,
			"Bad input", fmt.Sprintf("%s (%s) exceeds %d characters", typ, name, t.MaxLength))
	}

	if !t.Matches(canon) {
		return "", v.fail(ctx, domain.KindValidation, ReasonPatternMismatch, name, typ,
			"Bad input", fmt.Sprintf("%s (%s=%q) did not match pattern %s", typ, name, input, t.Pattern))
	}

	return canon, nil
}

// IsValidInput is GetValidInput collapsed to a boolean.
func (v *Validator) IsValidInput(name, typ, input string) bool {
	_, err := v.GetValidInput(name, typ, input)
	return err == nil
}

// Canonicalize exposes strict canonicalization: multi-layer encoding is an
// intrusion unless the validator was configured to allow it.
func (v *Validator) Canonicalize(name, input string) (string, error) {
	return v.canonicalize(context.Background(), name, "", input)
}

// CanonicalizeContext is Canonicalize with failures logged against ctx.
func (v *Validator) CanonicalizeContext(ctx context.Context, name, input string) (string, error) {
	return v.canonicalize(ctx, name, "", input)
}

func (v *Validator) canonicalize(ctx context.Context, name, typ, input string) (string, error) {
	res, err := v.canon.Canonicalize(input)
	if err != nil {
		verr := v.fail(ctx, domain.KindIntrusion, ReasonCanonicalizationLimit, name, typ,
			"Input validation failure", fmt.Sprintf("%s still encoded after %d passes", name, res.Passes))
		verr.Err = err
		return "", verr
	}
	if res.MultipleEncoding() && !v.allowMultipleEncoding {
		return "", v.fail(ctx, domain.KindIntrusion, ReasonMultipleEncoding, name, typ,
			"Input validation failure", fmt.Sprintf("%s encoded %d times", name, res.Layers))
	}
	return res.Canonical, nil
}

// GetValidNumber parses input as a finite floating-point numeral.
func (v *Validator) GetValidNumber(name, input string) (float64, error) {
	f, err := strconv.ParseFloat(input, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		verr := v.fail(context.Background(), domain.KindValidation, ReasonInvalidNumber, name, "",
			"Invalid number", fmt.Sprintf("%s=%q is not a number", name, input))
		verr.Err = err
		return 0, verr
	}
	return f, nil
}

// IsValidNumber reports whether input is a finite floating-point numeral.
func (v *Validator) IsValidNumber(input string) bool {
	_, err := v.GetValidNumber("number", input)
	return err == nil
}

// GetValidDate parses input with layout.
func (v *Validator) GetValidDate(name, input, layout string) (time.Time, error) {
	ts, err := time.Parse(layout, input)
	if err != nil {
		verr := v.fail(context.Background(), domain.KindValidation, ReasonInvalidDate, name, "",
			"Invalid date", fmt.Sprintf("problem parsing date (%s=%q)", name, input))
		verr.Err = err
		return time.Time{}, verr
	}
	return ts, nil
}

// IsValidDate reports whether input parses with layout.
func (v *Validator) IsValidDate(name, input, layout string) bool {
	_, err := v.GetValidDate(name, input, layout)
	return err == nil
}

// IsValidCreditCard requires the CreditCard type and a passing Luhn checksum.
func (v *Validator) IsValidCreditCard(name, value string) bool {
	canon, err := v.GetValidInput(name, TypeCreditCard, value)
	if err != nil {
		return false
	}
	return luhn(canon)
}

// luhn runs the Luhn checksum over the digits of s, ignoring separators.
func luhn(s string) bool {
	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		digit := int(c - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

// IsValidListItem reports whether value is one of list.
func (v *Validator) IsValidListItem(list []string, value string) bool {
	return slices.Contains(list, value)
}

// IsValidPrintable reports whether every byte is printable ASCII (33-126).
// No decoding is performed.
func (v *Validator) IsValidPrintable(input []byte) bool {
	for _, b := range input {
		if b < 33 || b > 126 {
			return false
		}
	}
	return true
}

// IsValidPrintableString canonicalizes input before the printable check.
func (v *Validator) IsValidPrintableString(input string) bool {
	canon, err := v.Canonicalize("printable", input)
	if err != nil {
		return false
	}
	return v.IsValidPrintable([]byte(canon))
}

// IsValidRedirectLocation checks location against the Redirect type. No
// structural URL parsing is attempted.
func (v *Validator) IsValidRedirectLocation(name, location string) bool {
	return v.IsValidInput(name, TypeRedirect, location)
}

// fail builds the tagged error and logs it with a severity matching its kind.
func (v *Validator) fail(ctx context.Context, kind domain.ErrorKind, reason, name, typ, message, detail string) *domain.ValidationError {
	verr := &domain.ValidationError{
		Kind:    kind,
		Reason:  reason,
		Field:   name,
		Type:    typ,
		Message: message,
		Detail:  detail,
	}

	level := slog.LevelDebug
	switch kind {
	case domain.KindConfiguration:
		level = slog.LevelError
	case domain.KindIntrusion, domain.KindAvailability:
		level = slog.LevelWarn
	}
	v.logger.Log(ctx, level, message,
		"kind", string(kind),
		"reason", reason,
		"field", name,
		"type", typ,
		"detail", detail,
	)
	return verr
}

// IsKind reports whether err is a *domain.ValidationError of kind.
func IsKind(err error, kind domain.ErrorKind) bool {
	var verr *domain.ValidationError
	return errors.As(err, &verr) && verr.Kind == kind
}
