package firewall

import (
	"context"
	"fmt"

	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/policy"
	"github.com/polisai/polis-guard/pkg/policy/waf"
	"github.com/polisai/polis-guard/pkg/validation"
)

// DetectorRule runs blacklist patterns over canonicalized parameter values
// and, optionally, header values.
type DetectorRule struct {
	Base
	validator *validation.Validator
	detector  *waf.Detector
	fields    []string
	headers   bool
	posture   policy.PostureSet
}

// DetectorOptions selects what a DetectorRule inspects.
type DetectorOptions struct {
	// Fields restricts inspection to these parameters. Empty inspects all.
	Fields []string
	// Headers also inspects header values.
	Headers bool
	Posture policy.PostureSet
}

// NewDetectorRule builds a detector rule.
func NewDetectorRule(v *validation.Validator, detector *waf.Detector, dopts DetectorOptions, opts ...BaseOption) *DetectorRule {
	return &DetectorRule{
		Base:      NewBase(TypeDetector, opts...),
		validator: v,
		detector:  detector,
		fields:    append([]string(nil), dopts.Fields...),
		headers:   dopts.Headers,
		posture:   dopts.Posture.Clone(),
	}
}

// Check implements Rule. Values that cannot be canonicalized are intrusions.
func (r *DetectorRule) Check(ctx context.Context, req domain.Request, _ domain.Response) Action {
	var report waf.Report

	inspect := func(field, raw string) (Action, bool) {
		canon, err := r.validator.CanonicalizeContext(ctx, field, raw)
		if err != nil {
			return r.Fail(ctx, req, fmt.Sprintf("undecodable value in %s", field), err), true
		}
		found, err := r.detector.Evaluate(ctx, field, canon)
		if err != nil {
			return r.detectorError(ctx, req, err), true
		}
		report.Merge(found)
		return Action{}, false
	}

	params := req.Parameters()
	names := r.fields
	if len(names) == 0 {
		names = sortedKeys(params)
	}
	for _, name := range names {
		for _, value := range params[name] {
			if action, done := inspect(name, value); done {
				return action
			}
		}
	}

	if r.headers {
		for _, name := range req.HeaderNames() {
			for _, value := range req.HeaderValues(name) {
				if action, done := inspect(name, value); done {
					return action
				}
			}
		}
	}

	match, found := report.Highest()
	if !found {
		return r.Pass()
	}

	message := fmt.Sprintf("%s matched in %s (%d findings)", match.Rule, match.Field, len(report.Matches))
	if report.Blocked {
		return r.Fail(ctx, req, message, domain.NewError(domain.KindIntrusion, "detector_match", "Attack pattern detected", message))
	}
	r.Log(ctx, req, message, "severity", string(match.Severity))
	action := LogOnly(message)
	return r.tag(action)
}

func (r *DetectorRule) detectorError(ctx context.Context, req domain.Request, err error) Action {
	if r.posture.FailClosed(policy.DomainDetector) {
		return r.Fail(ctx, req, "detector unavailable", err)
	}
	r.Log(ctx, req, "detector unavailable, failing open", "error", err)
	action := LogOnly("detector unavailable")
	action.Err = err
	return r.tag(action)
}
