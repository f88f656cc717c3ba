package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can branch on severity instead of
// on concrete error types.
type ErrorKind string

const (
	// KindValidation marks input that did not satisfy a whitelist or domain rule.
	KindValidation ErrorKind = "validation"
	// KindConfiguration marks a deployment bug such as an unregistered validation type.
	KindConfiguration ErrorKind = "configuration"
	// KindIntrusion marks input that is evidence of an active attack.
	KindIntrusion ErrorKind = "intrusion"
	// KindAvailability marks a resource limit reached while reading input.
	KindAvailability ErrorKind = "availability"
	// KindAccessControl marks a lookup of a reference the caller may not use.
	KindAccessControl ErrorKind = "access_control"
)

// Sentinels matched by errors.Is against any *ValidationError of the same kind.
var (
	ErrValidation    = errors.New("validation failed")
	ErrConfiguration = errors.New("validation misconfigured")
	ErrIntrusion     = errors.New("intrusion detected")
	ErrAvailability  = errors.New("resource limit exceeded")
	ErrAccessControl = errors.New("access denied")
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:    ErrValidation,
	KindConfiguration: ErrConfiguration,
	KindIntrusion:     ErrIntrusion,
	KindAvailability:  ErrAvailability,
	KindAccessControl: ErrAccessControl,
}

// ValidationError is the tagged error returned by every strict check.
//
// Message is safe to show to a user; Detail may echo the offending input and
// belongs in logs only.
//
//nolint:revive // Name mirrors the error taxonomy used throughout the firewall
type ValidationError struct {
	Kind    ErrorKind
	Reason  string
	Field   string
	Type    string
	Message string
	Detail  string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *ValidationError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

// NewError builds a ValidationError of the given kind.
func NewError(kind ErrorKind, reason, message, detail string) *ValidationError {
	return &ValidationError{Kind: kind, Reason: reason, Message: message, Detail: detail}
}

// KindOf returns the kind carried by err, or "" when err is not a ValidationError.
func KindOf(err error) ErrorKind {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind
	}
	return ""
}

// ReasonOf returns the machine-readable reason carried by err.
func ReasonOf(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Reason
	}
	return ""
}

// ErrorResponse defines the JSON error model written when a request is blocked.
// It intentionally avoids exposing input echoes.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
