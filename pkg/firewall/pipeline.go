package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-guard/pkg/domain"
	"github.com/polisai/polis-guard/pkg/policy"
	"github.com/polisai/polis-guard/pkg/telemetry"
)

// DefaultPipelineID names pipelines built without an id.
const DefaultPipelineID = "default"

// Verdict is the resolved outcome of one pipeline evaluation.
type Verdict struct {
	// Final is the action to apply: the first necessary action, or DoNothing.
	Final Action
	// Actions holds every rule's action in rule order.
	Actions []Action
}

// Allowed reports whether the request may continue.
func (v Verdict) Allowed() bool {
	return !v.Final.Necessary()
}

// Failures returns the actions whose checks failed.
func (v Verdict) Failures() []Action {
	var failed []Action
	for _, a := range v.Actions {
		if a.Failed {
			failed = append(failed, a)
		}
	}
	return failed
}

// Suppressed returns the necessary actions that were not applied.
func (v Verdict) Suppressed() []Action {
	var suppressed []Action
	for _, a := range v.Actions {
		if a.Suppressed {
			suppressed = append(suppressed, a)
		}
	}
	return suppressed
}

// Pipeline is an immutable ordered rule list. It is safe for concurrent use.
type Pipeline struct {
	id         string
	rules      []Rule
	posture    policy.PostureSet
	logger     *slog.Logger
	auditLevel slog.Level
	tracer     trace.Tracer
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineID names the pipeline in logs, spans and metrics.
func WithPipelineID(id string) PipelineOption {
	return func(p *Pipeline) {
		if id != "" {
			p.id = id
		}
	}
}

// WithPipelineLogger sets the logger for suppression and panic records.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPipelineAuditLevel sets the level of suppression records.
func WithPipelineAuditLevel(level slog.Level) PipelineOption {
	return func(p *Pipeline) {
		p.auditLevel = level
	}
}

// WithPosture sets the failure postures.
func WithPosture(posture policy.PostureSet) PipelineOption {
	return func(p *Pipeline) {
		p.posture = posture.Clone()
	}
}

// WithTracer overrides the tracer used for evaluation spans.
func WithTracer(tracer trace.Tracer) PipelineOption {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// NewPipeline builds a pipeline evaluating rules in the given order.
func NewPipeline(rules []Rule, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		id:         DefaultPipelineID,
		rules:      append([]Rule(nil), rules...),
		posture:    policy.DefaultPostureSet(),
		logger:     slog.Default(),
		auditLevel: slog.LevelWarn,
		tracer:     telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string { return p.id }

// Rules returns the rules in evaluation order.
func (p *Pipeline) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

type discardResponse struct{}

func (discardResponse) SetHeader(string, string) {}

// Evaluate runs every rule in order and resolves the verdict. An empty
// pipeline allows the request.
func (p *Pipeline) Evaluate(ctx context.Context, req domain.Request, resp domain.Response) Verdict {
	ctx, span := p.tracer.Start(ctx, "firewall.evaluate", trace.WithAttributes(
		attribute.String("pipeline.id", p.id),
		attribute.Int("pipeline.rules", len(p.rules)),
	))
	defer span.End()

	verdict := Verdict{Final: DoNothing(), Actions: make([]Action, 0, len(p.rules))}
	decided := false
	failures, suppressed := 0, 0

	for _, rule := range p.rules {
		// Rules after the deciding action still run, but their response
		// side effects are dropped.
		ruleResp := resp
		if decided {
			ruleResp = discardResponse{}
		}

		start := time.Now()
		action, panicked := p.check(ctx, rule, req, ruleResp)
		if action.RuleID == "" {
			action.RuleID = rule.ID()
		}
		if action.RuleType == "" {
			action.RuleType = rule.Type()
		}

		if action.Necessary() {
			if !decided {
				verdict.Final = action
				decided = true
			} else {
				action.Suppressed = true
				suppressed++
				p.logger.Log(ctx, p.auditLevel, "necessary action suppressed by earlier rule",
					"pipeline_id", p.id,
					"rule_id", action.RuleID,
					"rule_type", action.RuleType,
					"action", string(action.Kind),
					"decided_by", verdict.Final.RuleID,
					"message", action.Message,
				)
			}
		}
		if action.Failed {
			failures++
		}
		p.logger.DebugContext(ctx, "rule evaluated",
			"pipeline_id", p.id,
			"rule_id", action.RuleID,
			"rule_type", action.RuleType,
			"remote_addr", req.RemoteAddr(),
			"action", string(action.Kind),
			"failed", action.Failed,
		)

		telemetry.RecordRuleMetrics(ctx, telemetry.RuleMetrics{
			PipelineID: p.id,
			RuleID:     action.RuleID,
			RuleType:   action.RuleType,
			Action:     string(action.Kind),
			Failed:     action.Failed,
			Suppressed: action.Suppressed,
			Panicked:   panicked,
			Duration:   time.Since(start),
		})
		verdict.Actions = append(verdict.Actions, action)
	}

	if decided {
		span.SetStatus(codes.Error, string(verdict.Final.Kind))
		span.SetAttributes(attribute.String("firewall.decided_by", verdict.Final.RuleID))
	}
	telemetry.RecordSecurityEvent(span, decided, string(verdict.Final.Kind), failures, suppressed)
	telemetry.RecordVerdict(ctx, p.id, string(verdict.Final.Kind))

	return verdict
}

// check runs one rule, turning a panic into an action chosen by posture.
func (p *Pipeline) check(ctx context.Context, rule Rule, req domain.Request, resp domain.Response) (action Action, panicked bool) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		panicked = true
		err := fmt.Errorf("firewall: rule %s panicked: %v", rule.ID(), recovered)
		p.logger.ErrorContext(ctx, "rule panicked",
			"pipeline_id", p.id,
			"rule_id", rule.ID(),
			"rule_type", rule.Type(),
			"error", err,
		)
		if p.posture.FailClosed(policy.DomainRules) {
			action = Block(0, "rule failed")
		} else {
			action = LogOnly("rule failed")
		}
		action.Err = err
	}()

	return rule.Check(ctx, req, resp), false
}
