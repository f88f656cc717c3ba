package firewall

import (
	"context"
	"fmt"
	"net/http"

	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/policy"
	"github.com/polisai/polis-guard/pkg/validation"
)

// PolicyRule asks a Rego policy for a decision over the canonicalized request.
type PolicyRule struct {
	Base
	validator *validation.Validator
	evaluator policy.Evaluator
	posture   policy.PostureSet
}

// NewPolicyRule builds a policy rule.
func NewPolicyRule(v *validation.Validator, evaluator policy.Evaluator, posture policy.PostureSet, opts ...BaseOption) *PolicyRule {
	return &PolicyRule{
		Base:      NewBase(TypePolicy, opts...),
		validator: v,
		evaluator: evaluator,
		posture:   posture.Clone(),
	}
}

// Check implements Rule.
func (r *PolicyRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	input, err := r.input(ctx, req)
	if err != nil {
		return r.Fail(ctx, req, "undecodable request value", err)
	}

	decision, err := r.evaluator.Evaluate(ctx, input)
	if err == nil {
		err = decision.Validate()
	}
	if err != nil {
		if r.posture.FailClosed(policy.DomainPolicy) {
			return r.Fail(ctx, req, "policy evaluation failed", err)
		}
		r.Log(ctx, req, "policy evaluation failed, failing open", "error", err)
		action := LogOnly("policy evaluation failed")
		action.Err = err
		return r.tag(action)
	}

	message := decision.Reason
	if message == "" {
		message = "policy decision " + string(decision.Action)
	}

	switch decision.Action {
	case policy.ActionBlock:
		r.Log(ctx, req, message)
		return r.tag(Block(decision.Status, message))
	case policy.ActionRedirect:
		r.Log(ctx, req, message)
		status := decision.Status
		if status == 0 {
			status = http.StatusFound
		}
		return r.tag(Redirect(decision.Target, status, message))
	case policy.ActionLog:
		r.Log(ctx, req, message)
		return r.tag(LogOnly(message))
	default:
		return r.Pass()
	}
}

func (r *PolicyRule) input(ctx context.Context, req domain.Request) (policy.Input, error) {
	input := policy.Input{
		RuleID:     r.ID(),
		RemoteAddr: req.RemoteAddr(),
		Parameters: map[string][]string{},
		Headers:    map[string][]string{},
		Cookies:    map[string]string{},
	}

	for name, values := range req.Parameters() {
		canonValues := make([]string, 0, len(values))
		for _, value := range values {
			canon, err := r.validator.CanonicalizeContext(ctx, name, value)
			if err != nil {
				return policy.Input{}, err
			}
			canonValues = append(canonValues, canon)
		}
		input.Parameters[name] = canonValues
	}

	for _, name := range req.HeaderNames() {
		values := req.HeaderValues(name)
		canonValues := make([]string, 0, len(values))
		for _, value := range values {
			canon, err := r.validator.CanonicalizeContext(ctx, name, value)
			if err != nil {
				return policy.Input{}, err
			}
			canonValues = append(canonValues, canon)
		}
		input.Headers[http.CanonicalHeaderKey(name)] = canonValues
	}

	for _, c := range req.Cookies() {
		if _, seen := input.Cookies[c.Name]; seen {
			continue
		}
		canon, err := r.validator.CanonicalizeContext(ctx, c.Name, c.Value)
		if err != nil {
			return policy.Input{}, fmt.Errorf("cookie %s: %w", c.Name, err)
		}
		input.Cookies[c.Name] = canon
	}

	return input, nil
}
