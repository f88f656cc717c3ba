package validation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/polisai/polis-guard/pkg/domain"
)

const cookieHeader = "cookie"

// ValidateHTTPRequest checks every parameter, cookie and header of req
// against the builtin HTTP types and returns every failure. The Cookie header
// itself is skipped because cookies are checked individually.
func (v *Validator) ValidateHTTPRequest(ctx context.Context, req domain.Request) []error {
	var errs []error
	check := func(name, typ, input string) {
		if _, err := v.GetValidInputContext(ctx, name, typ, input); err != nil {
			errs = append(errs, err)
		}
	}

	params := req.Parameters()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check("HTTP parameter name: "+name, TypeHTTPParameterName, name)
		for _, value := range params[name] {
			check("HTTP parameter value: "+name, TypeHTTPParameterValue, value)
		}
	}

	for _, c := range req.Cookies() {
		check("HTTP cookie name: "+c.Name, TypeHTTPCookieName, c.Name)
		check("HTTP cookie value: "+c.Name, TypeHTTPCookieValue, c.Value)
	}

	for _, name := range req.HeaderNames() {
		if strings.EqualFold(name, cookieHeader) {
			continue
		}
		check("HTTP header name: "+name, TypeHTTPHeaderName, name)
		for _, value := range req.HeaderValues(name) {
			check("HTTP header value: "+name, TypeHTTPHeaderValue, value)
		}
	}

	if len(errs) > 0 {
		v.logger.DebugContext(ctx, "request sweep found invalid items",
			"remote_addr", req.RemoteAddr(),
			"failures", len(errs),
		)
	}
	return errs
}

// IsValidHTTPRequest reports whether every item of req is valid. All items
// are evaluated and every failure is logged.
func (v *Validator) IsValidHTTPRequest(ctx context.Context, req domain.Request) bool {
	errs := v.ValidateHTTPRequest(ctx, req)
	for _, err := range errs {
		v.logger.InfoContext(ctx, "invalid request item",
			"remote_addr", req.RemoteAddr(),
			"kind", string(domain.KindOf(err)),
			"reason", domain.ReasonOf(err),
			slog.Any("error", err),
		)
	}
	return len(errs) == 0
}

// IsValidParameterSet reports whether the parameter names of req contain
// every required name and nothing outside required and optional.
func (v *Validator) IsValidParameterSet(ctx context.Context, req domain.Request, required, optional []string) bool {
	params := req.Parameters()

	for _, name := range required {
		if _, ok := params[name]; !ok {
			v.fail(ctx, domain.KindValidation, ReasonInputMissing, name, "",
				"Invalid request", fmt.Sprintf("required parameter %s missing", name))
			return false
		}
	}

	allowed := make(map[string]struct{}, len(required)+len(optional))
	for _, name := range required {
		allowed[name] = struct{}{}
	}
	for _, name := range optional {
		allowed[name] = struct{}{}
	}
	for name := range params {
		if _, ok := allowed[name]; !ok {
			v.fail(ctx, domain.KindValidation, ReasonPatternMismatch, name, "",
				"Invalid request", fmt.Sprintf("unexpected parameter %s", name))
			return false
		}
	}
	return true
}

// GetValidParameter validates the single value of parameter name.
func (v *Validator) GetValidParameter(ctx context.Context, req domain.Request, name, typ string) (string, error) {
	values, ok := req.Parameters()[name]
	if !ok || len(values) == 0 {
		return "", v.missing(ctx, name, typ, "parameter")
	}
	if len(values) > 1 {
		return "", v.fail(ctx, domain.KindValidation, ReasonMultipleValues, name, typ,
			"Bad input", fmt.Sprintf("parameter %s sent %d times", name, len(values)))
	}
	return v.GetValidInputContext(ctx, name, typ, values[0])
}

// GetValidHeader validates the first value of header name.
func (v *Validator) GetValidHeader(ctx context.Context, req domain.Request, name, typ string) (string, error) {
	values := req.HeaderValues(name)
	if len(values) == 0 {
		return "", v.missing(ctx, name, typ, "header")
	}
	return v.GetValidInputContext(ctx, name, typ, values[0])
}

// GetValidCookie validates the first cookie called name.
func (v *Validator) GetValidCookie(ctx context.Context, req domain.Request, name, typ string) (string, error) {
	for _, c := range req.Cookies() {
		if c.Name == name {
			return v.GetValidInputContext(ctx, name, typ, c.Value)
		}
	}
	return "", v.missing(ctx, name, typ, "cookie")
}

func (v *Validator) missing(ctx context.Context, name, typ, source string) error {
	return v.fail(ctx, domain.KindValidation, ReasonInputMissing, name, typ,
		"Input required", fmt.Sprintf("%s %s is absent", source, name))
}
