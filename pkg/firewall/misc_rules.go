package firewall

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-guard/pkg/domain"
)

// AddHeaderRule sets a response header on every request. It never fails.
type AddHeaderRule struct {
	Base
	name  string
	value string
}

// NewAddHeaderRule builds an add_header rule. Header names and values
// containing line breaks are rejected.
func NewAddHeaderRule(name, value string, opts ...BaseOption) (*AddHeaderRule, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("firewall: add_header rule needs a header name")
	}
	if strings.ContainsAny(name, "\r\n: ") || strings.ContainsAny(value, "\r\n") {
		return nil, fmt.Errorf("firewall: add_header %q contains forbidden characters", name)
	}
	return &AddHeaderRule{Base: NewBase(TypeAddHeader, opts...), name: name, value: value}, nil
}

// Check implements Rule.
func (r *AddHeaderRule) Check(_ context.Context, _ domain.Request, resp domain.Response) Action {
	if resp != nil {
		resp.SetHeader(r.name, r.value)
	}
	return r.Pass()
}

// CheckFunc is an in-process rule body.
type CheckFunc func(ctx context.Context, req domain.Request, resp domain.Response) Action

// FuncRule adapts a CheckFunc into a Rule.
type FuncRule struct {
	Base
	fn CheckFunc
}

// NewFuncRule wraps fn. The returned action is tagged with the rule identity.
func NewFuncRule(fn CheckFunc, opts ...BaseOption) *FuncRule {
	return &FuncRule{Base: NewBase(TypeFunc, opts...), fn: fn}
}

// Check implements Rule.
func (r *FuncRule) Check(ctx context.Context, req domain.Request, resp domain.Response) Action {
	action := r.fn(ctx, req, resp)
	if action.Kind == "" {
		action.Kind = KindDoNothing
	}
	if action.Failed && action.Message != "" {
		r.Log(ctx, req, action.Message)
	}
	return r.tag(action)
}
