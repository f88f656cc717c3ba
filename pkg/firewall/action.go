package firewall

import (
	"fmt"
	"net/http"
	"strings"
)

// ActionKind is the closed set of outcomes a rule can report.
type ActionKind string

const (
	// KindDoNothing lets the request continue.
	KindDoNothing ActionKind = "do_nothing"
	// KindLogOnly lets the request continue after the failure was logged.
	KindLogOnly ActionKind = "log_only"
	// KindBlock stops the request with an error status.
	KindBlock ActionKind = "block"
	// KindRedirect stops the request and sends the client to Target.
	KindRedirect ActionKind = "redirect"
)

// ParseActionKind converts configuration text into an ActionKind.
func ParseActionKind(value string) (ActionKind, error) {
	kind := ActionKind(strings.ToLower(strings.TrimSpace(value)))
	switch kind {
	case KindDoNothing, KindLogOnly, KindBlock, KindRedirect:
		return kind, nil
	case "":
		return "", fmt.Errorf("firewall: action is required")
	default:
		return "", fmt.Errorf("firewall: unknown action %q", value)
	}
}

// Action is the outcome of one rule check.
type Action struct {
	Kind     ActionKind
	RuleID   string
	RuleType string
	// Failed reports whether the underlying check did not pass.
	Failed bool
	// Suppressed marks a necessary action that lost to an earlier rule.
	Suppressed bool
	Target     string
	Status     int
	Message    string
	Err        error
}

// Necessary reports whether the action requires a corrective response.
func (a Action) Necessary() bool {
	return a.Kind == KindBlock || a.Kind == KindRedirect
}

// StatusCode returns Status or the default for the action kind. A status
// outside 100-599, or a non-3xx redirect status, falls back to the default.
func (a Action) StatusCode() int {
	switch {
	case a.Status < 100 || a.Status > 599:
	case a.Kind == KindRedirect && (a.Status < 300 || a.Status > 399):
	default:
		return a.Status
	}
	switch a.Kind {
	case KindBlock:
		return http.StatusForbidden
	case KindRedirect:
		return http.StatusFound
	default:
		return http.StatusOK
	}
}

// DoNothing is the neutral action.
func DoNothing() Action {
	return Action{Kind: KindDoNothing}
}

// LogOnly reports a failure without stopping the request.
func LogOnly(message string) Action {
	return Action{Kind: KindLogOnly, Failed: true, Message: message}
}

// Block stops the request. A zero status means 403.
func Block(status int, message string) Action {
	return Action{Kind: KindBlock, Failed: true, Status: status, Message: message}
}

// Redirect sends the client to target. A zero status means 302.
func Redirect(target string, status int, message string) Action {
	return Action{Kind: KindRedirect, Failed: true, Target: target, Status: status, Message: message}
}

// Response describes what a rule does when its check fails.
type Response struct {
	Action ActionKind `yaml:"action" json:"action" toml:"action" mapstructure:"action"`
	Target string     `yaml:"target" json:"target" toml:"target" mapstructure:"target"`
	Status int        `yaml:"status" json:"status" toml:"status" mapstructure:"status"`
}

// DefaultResponse blocks with 403.
func DefaultResponse() Response {
	return Response{Action: KindBlock}
}

// Validate checks the response is applicable.
func (r Response) Validate() error {
	kind, err := ParseActionKind(string(r.Action))
	if err != nil {
		return err
	}
	if kind == KindRedirect && strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("firewall: redirect response requires a target")
	}
	if r.Status != 0 && (r.Status < 100 || r.Status > 599) {
		return fmt.Errorf("firewall: invalid status %d", r.Status)
	}
	return nil
}

func (r Response) action(message string) Action {
	switch ActionKind(strings.ToLower(string(r.Action))) {
	case KindRedirect:
		return Redirect(r.Target, r.Status, message)
	case KindLogOnly:
		return LogOnly(message)
	case KindDoNothing:
		a := DoNothing()
		a.Failed = true
		a.Message = message
		return a
	default:
		return Block(r.Status, message)
	}
}
