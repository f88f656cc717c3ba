package firewall

import (
	"context"
	"fmt"
	"sort"

	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/validation"
)

// Rule type names accepted in configuration.
const (
	TypeHTTPRequest      = "http_request"
	TypeParameter        = "parameter"
	TypeParameterSet     = "parameter_set"
	TypeRedirectLocation = "redirect_location"
	TypeFileName         = "file_name"
	TypePrintable        = "printable"
	TypeDetector         = "detector"
	TypeAddHeader        = "add_header"
	TypePolicy           = "policy"
	TypeFunc             = "func"
)

// HTTPRequestRule sweeps every parameter, cookie and header through the
// builtin HTTP types.
type HTTPRequestRule struct {
	Base
	validator *validation.Validator
}

// NewHTTPRequestRule builds an http_request rule.
func NewHTTPRequestRule(v *validation.Validator, opts ...BaseOption) *HTTPRequestRule {
	return &HTTPRequestRule{Base: NewBase(TypeHTTPRequest, opts...), validator: v}
}

// Check implements Rule.
func (r *HTTPRequestRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	errs := r.validator.ValidateHTTPRequest(ctx, req)
	if len(errs) == 0 {
		return r.Pass()
	}

	var worst error
	for _, err := range errs {
		r.Log(ctx, req, err.Error(),
			"kind", string(domain.KindOf(err)),
			"reason", domain.ReasonOf(err),
		)
		if worst == nil || domain.KindOf(err) == domain.KindIntrusion {
			worst = err
		}
	}
	return r.Fail(ctx, req, fmt.Sprintf("%d invalid request items", len(errs)), worst)
}

// ParameterRule requires named parameters to match validation types.
type ParameterRule struct {
	Base
	validator *validation.Validator
	names     []string
	types     map[string]string
	required  bool
}

// NewParameterRule builds a parameter rule from a name to type mapping. When
// required is false absent parameters pass.
func NewParameterRule(v *validation.Validator, types map[string]string, required bool, opts ...BaseOption) (*ParameterRule, error) {
	if len(types) == 0 {
		return nil, fmt.Errorf("firewall: parameter rule needs at least one parameter")
	}
	names := make([]string, 0, len(types))
	copied := make(map[string]string, len(types))
	for name, typ := range types {
		if _, ok := v.Registry().Resolve(typ); !ok {
			return nil, fmt.Errorf("firewall: parameter %s uses unregistered type %q", name, typ)
		}
		names = append(names, name)
		copied[name] = typ
	}
	sort.Strings(names)

	return &ParameterRule{
		Base:      NewBase(TypeParameter, opts...),
		validator: v,
		names:     names,
		types:     copied,
		required:  required,
	}, nil
}

// Check implements Rule.
func (r *ParameterRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	params := req.Parameters()
	for _, name := range r.names {
		if _, present := params[name]; !present && !r.required {
			continue
		}
		if _, err := r.validator.GetValidParameter(ctx, req, name, r.types[name]); err != nil {
			return r.Fail(ctx, req, fmt.Sprintf("parameter %s failed %s", name, r.types[name]), err)
		}
	}
	return r.Pass()
}

// ParameterSetRule requires the parameter names to be exactly covered by
// required and optional.
type ParameterSetRule struct {
	Base
	validator *validation.Validator
	required  []string
	optional  []string
}

// NewParameterSetRule builds a parameter_set rule.
func NewParameterSetRule(v *validation.Validator, required, optional []string, opts ...BaseOption) *ParameterSetRule {
	return &ParameterSetRule{
		Base:      NewBase(TypeParameterSet, opts...),
		validator: v,
		required:  append([]string(nil), required...),
		optional:  append([]string(nil), optional...),
	}
}

// Check implements Rule.
func (r *ParameterSetRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	if r.validator.IsValidParameterSet(ctx, req, r.required, r.optional) {
		return r.Pass()
	}
	return r.Fail(ctx, req, "unexpected parameter set", domain.NewError(domain.KindValidation, validation.ReasonPatternMismatch, "Invalid request", "parameter set"))
}

// RedirectLocationRule validates a redirect target carried in a parameter.
type RedirectLocationRule struct {
	Base
	validator *validation.Validator
	parameter string
}

// NewRedirectLocationRule builds a redirect_location rule.
func NewRedirectLocationRule(v *validation.Validator, parameter string, opts ...BaseOption) (*RedirectLocationRule, error) {
	if parameter == "" {
		return nil, fmt.Errorf("firewall: redirect_location rule needs a parameter")
	}
	return &RedirectLocationRule{Base: NewBase(TypeRedirectLocation, opts...), validator: v, parameter: parameter}, nil
}

// Check implements Rule. An absent parameter passes.
func (r *RedirectLocationRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	for _, value := range req.Parameters()[r.parameter] {
		if _, err := r.validator.GetValidInputContext(ctx, r.parameter, validation.TypeRedirect, value); err != nil {
			return r.Fail(ctx, req, fmt.Sprintf("invalid redirect location in %s", r.parameter), err)
		}
	}
	return r.Pass()
}

// FileNameRule treats a parameter as an uploaded file name.
type FileNameRule struct {
	Base
	validator *validation.Validator
	parameter string
}

// NewFileNameRule builds a file_name rule.
func NewFileNameRule(v *validation.Validator, parameter string, opts ...BaseOption) (*FileNameRule, error) {
	if parameter == "" {
		return nil, fmt.Errorf("firewall: file_name rule needs a parameter")
	}
	return &FileNameRule{Base: NewBase(TypeFileName, opts...), validator: v, parameter: parameter}, nil
}

// Check implements Rule. An absent parameter passes; a name that resolves
// elsewhere is an intrusion and always blocks.
func (r *FileNameRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	for _, value := range req.Parameters()[r.parameter] {
		if err := r.validator.ValidateFileName(r.parameter, value); err != nil {
			return r.Fail(ctx, req, fmt.Sprintf("invalid file name in %s", r.parameter), err)
		}
	}
	return r.Pass()
}

// PrintableRule requires parameter values to be printable ASCII after
// canonicalization.
type PrintableRule struct {
	Base
	validator  *validation.Validator
	parameters []string
}

// NewPrintableRule builds a printable rule. With no parameters named every
// parameter is checked.
func NewPrintableRule(v *validation.Validator, parameters []string, opts ...BaseOption) *PrintableRule {
	return &PrintableRule{Base: NewBase(TypePrintable, opts...), validator: v, parameters: append([]string(nil), parameters...)}
}

// Check implements Rule.
func (r *PrintableRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	params := req.Parameters()
	names := r.parameters
	if len(names) == 0 {
		names = sortedKeys(params)
	}
	for _, name := range names {
		for _, value := range params[name] {
			canon, err := r.validator.CanonicalizeContext(ctx, name, value)
			if err != nil {
				return r.Fail(ctx, req, fmt.Sprintf("undecodable value in %s", name), err)
			}
			if !r.validator.IsValidPrintable([]byte(canon)) {
				return r.Fail(ctx, req, fmt.Sprintf("non-printable value in %s", name), nil)
			}
		}
	}
	return r.Pass()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
