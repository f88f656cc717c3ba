package policy

import (
	"context"
	"fmt"
	"strings"
)

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionAllow permits the request to proceed.
	ActionAllow Action = "allow"
	// ActionLog permits the request and records the decision.
	ActionLog Action = "log"
	// ActionBlock terminates the request.
	ActionBlock Action = "block"
	// ActionRedirect sends the client to Decision.Target.
	ActionRedirect Action = "redirect"
)

// Terminal reports whether the action ends evaluation of a chain.
func (a Action) Terminal() bool {
	return a == ActionBlock || a == ActionRedirect
}

// ParseAction converts the textual action returned by a policy.
func ParseAction(value string) (Action, error) {
	switch action := Action(strings.ToLower(strings.TrimSpace(value))); action {
	case "", ActionAllow:
		return ActionAllow, nil
	case ActionLog, ActionBlock, ActionRedirect:
		return action, nil
	default:
		return "", fmt.Errorf("opa decision: unknown action %q", value)
	}
}

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action   Action
	Reason   string
	Target   string
	Status   int
	Metadata map[string]string
}

// Validate checks the decision can be turned into an HTTP response. A zero
// Status means the action's default.
func (d Decision) Validate() error {
	if d.Action == ActionRedirect && strings.TrimSpace(d.Target) == "" {
		return fmt.Errorf("opa decision: redirect without target")
	}
	if d.Status == 0 {
		return nil
	}
	if d.Status < 100 || d.Status > 599 {
		return fmt.Errorf("opa decision: invalid status %d", d.Status)
	}
	if d.Action == ActionRedirect && (d.Status < 300 || d.Status > 399) {
		return fmt.Errorf("opa decision: redirect status %d is not 3xx", d.Status)
	}
	return nil
}

// Input is the request view handed to Rego as `input`.
type Input struct {
	Entrypoint   string
	RuleID       string
	RemoteAddr   string
	Parameters   map[string][]string
	Headers      map[string][]string
	Cookies      map[string]string
	Attributes   map[string]any
	DisableCache bool
}

// Evaluator evaluates a policy decision for a given input.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Chain composes multiple evaluators, short-circuiting on terminal decisions.
type Chain struct {
	evaluators []Evaluator
}

// NewChain constructs an evaluator chain.
func NewChain(evaluators ...Evaluator) Chain {
	return Chain{evaluators: append([]Evaluator(nil), evaluators...)}
}

// Evaluate runs the chain until a terminal decision is produced. A log
// decision is remembered and returned when nothing terminal follows.
func (c Chain) Evaluate(ctx context.Context, input Input) (Decision, error) {
	result := Decision{Action: ActionAllow, Metadata: map[string]string{}}

	for _, evaluator := range c.evaluators {
		decision, err := evaluator.Evaluate(ctx, input)
		if err != nil {
			return Decision{}, err
		}
		if decision.Metadata == nil {
			decision.Metadata = map[string]string{}
		}
		switch decision.Action {
		case ActionAllow:
		case ActionLog:
			if result.Action == ActionAllow {
				result = decision
			}
		case ActionBlock, ActionRedirect:
			return decision, nil
		default:
			return Decision{}, fmt.Errorf("opa decision: unknown action %q", decision.Action)
		}
	}

	return result, nil
}

// Entrypoint binds an evaluator to a fixed decision path.
type Entrypoint struct {
	Evaluator Evaluator
	Path      string
}

// Evaluate implements Evaluator.
func (e Entrypoint) Evaluate(ctx context.Context, input Input) (Decision, error) {
	input.Entrypoint = e.Path
	return e.Evaluator.Evaluate(ctx, input)
}
