package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/polisai/polis-guard/pkg/policy"
	"github.com/polisai/polis-guard/pkg/policy/waf"
	"github.com/polisai/polis-guard/pkg/validation"
)

// RuleConfig declares one rule. Params are decoded per rule type.
type RuleConfig struct {
	ID        string         `yaml:"id" json:"id" toml:"id"`
	Type      string         `yaml:"type" json:"type" toml:"type" validate:"required"`
	OnFailure *Response      `yaml:"on_failure" json:"on_failure" toml:"on_failure"`
	Params    map[string]any `yaml:"params" json:"params" toml:"params"`
}

// PolicyConfig configures the Rego engine shared by policy rules.
type PolicyConfig struct {
	Entrypoint string            `yaml:"entrypoint" json:"entrypoint" toml:"entrypoint"`
	Modules    map[string]string `yaml:"modules" json:"modules" toml:"modules"`
	CacheSize  int               `yaml:"cache_size" json:"cache_size" toml:"cache_size"`
}

// PipelineConfig declares a pipeline.
type PipelineConfig struct {
	ID string `yaml:"id" json:"id" toml:"id"`
	// AuditLevel is the slog level name used for audit lines (default "warn").
	AuditLevel string `yaml:"audit_level" json:"audit_level" toml:"audit_level"`
	// Posture overrides failure postures per domain ("rules", "policy", "detector").
	Posture map[string]string `yaml:"posture" json:"posture" toml:"posture"`
	// Detectors adds named patterns usable by detector rules.
	Detectors []waf.Rule   `yaml:"detectors" json:"detectors" toml:"detectors"`
	Policy    PolicyConfig `yaml:"policy" json:"policy" toml:"policy"`
	Rules     []RuleConfig `yaml:"rules" json:"rules" toml:"rules" validate:"dive"`
}

// Dependencies are the collaborators rules are built with.
type Dependencies struct {
	Validator *validation.Validator
	Logger    *slog.Logger
	// Policy overrides the engine built from PipelineConfig.Policy.
	Policy policy.Evaluator
	// Funcs resolves func rules by name.
	Funcs map[string]CheckFunc
}

type parameterParams struct {
	Parameters map[string]string `mapstructure:"parameters"`
	Required   bool              `mapstructure:"required"`
}

type parameterSetParams struct {
	Required []string `mapstructure:"required"`
	Optional []string `mapstructure:"optional"`
}

type parameterNameParams struct {
	Parameter string `mapstructure:"parameter"`
}

type printableParams struct {
	Parameters []string `mapstructure:"parameters"`
}

type detectorParams struct {
	Rules       []string   `mapstructure:"rules"`
	Patterns    []waf.Rule `mapstructure:"patterns"`
	Fields      []string   `mapstructure:"fields"`
	Headers     bool       `mapstructure:"headers"`
	MaxFindings int        `mapstructure:"max_findings"`
}

type addHeaderParams struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

type policyParams struct {
	Entrypoint  string   `mapstructure:"entrypoint"`
	Entrypoints []string `mapstructure:"entrypoints"`
}

type funcParams struct {
	Name string `mapstructure:"name"`
}

// ParseAuditLevel converts a level name, defaulting to warn.
func ParseAuditLevel(name string) (slog.Level, error) {
	if strings.TrimSpace(name) == "" {
		return slog.LevelWarn, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("firewall: audit level: %w", err)
	}
	return level, nil
}

// NewFromConfig builds a pipeline from cfg.
func NewFromConfig(ctx context.Context, cfg PipelineConfig, deps Dependencies) (*Pipeline, error) {
	if deps.Validator == nil {
		return nil, fmt.Errorf("firewall: validator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level, err := ParseAuditLevel(cfg.AuditLevel)
	if err != nil {
		return nil, err
	}

	posture := policy.DefaultPostureSet()
	if err := posture.ApplyOverrideStrings(cfg.Posture); err != nil {
		return nil, err
	}

	detectors := waf.NewBuiltinRegistry()
	if err := detectors.RegisterAll(cfg.Detectors); err != nil {
		return nil, err
	}

	b := &builder{
		deps:      deps,
		logger:    logger,
		level:     level,
		posture:   posture,
		detectors: detectors,
		policyCfg: cfg.Policy,
	}

	rules := make([]Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		rule, err := b.build(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("firewall: rule %d (%s): %w", i, rc.Type, err)
		}
		rules = append(rules, rule)
	}

	return NewPipeline(rules,
		WithPipelineID(cfg.ID),
		WithPipelineLogger(logger),
		WithPipelineAuditLevel(level),
		WithPosture(posture),
	), nil
}

type builder struct {
	deps      Dependencies
	logger    *slog.Logger
	level     slog.Level
	posture   policy.PostureSet
	detectors *waf.Registry
	policyCfg PolicyConfig
	engine    policy.Evaluator
}

func (b *builder) build(ctx context.Context, rc RuleConfig) (Rule, error) {
	opts := []BaseOption{WithID(rc.ID), WithLogger(b.logger), WithAuditLevel(b.level)}
	if rc.OnFailure != nil {
		if err := rc.OnFailure.Validate(); err != nil {
			return nil, err
		}
		opts = append(opts, WithOnFailure(*rc.OnFailure))
	}
	v := b.deps.Validator

	switch strings.ToLower(strings.TrimSpace(rc.Type)) {
	case TypeHTTPRequest:
		if err := decodeParams(rc.Params, &struct{}{}); err != nil {
			return nil, err
		}
		return NewHTTPRequestRule(v, opts...), nil

	case TypeParameter:
		var p parameterParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return NewParameterRule(v, p.Parameters, p.Required, opts...)

	case TypeParameterSet:
		var p parameterSetParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return NewParameterSetRule(v, p.Required, p.Optional, opts...), nil

	case TypeRedirectLocation:
		var p parameterNameParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return NewRedirectLocationRule(v, p.Parameter, opts...)

	case TypeFileName:
		var p parameterNameParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return NewFileNameRule(v, p.Parameter, opts...)

	case TypePrintable:
		var p printableParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return NewPrintableRule(v, p.Parameters, opts...), nil

	case TypeDetector:
		var p detectorParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return b.detector(p, opts)

	case TypeAddHeader:
		var p addHeaderParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return NewAddHeaderRule(p.Name, p.Value, opts...)

	case TypePolicy:
		var p policyParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		return b.policyRule(ctx, p, opts)

	case TypeFunc:
		var p funcParams
		if err := decodeParams(rc.Params, &p); err != nil {
			return nil, err
		}
		fn, ok := b.deps.Funcs[p.Name]
		if !ok {
			return nil, fmt.Errorf("no check function registered as %q", p.Name)
		}
		return NewFuncRule(fn, opts...), nil

	default:
		return nil, fmt.Errorf("unknown rule type %q", rc.Type)
	}
}

func (b *builder) detector(p detectorParams, opts []BaseOption) (Rule, error) {
	names := p.Rules
	if len(names) == 0 && len(p.Patterns) == 0 {
		for _, name := range b.detectors.Names() {
			if strings.HasPrefix(name, "guard.") {
				names = append(names, name)
			}
		}
	}
	rules, err := b.detectors.ResolveAll(names)
	if err != nil {
		return nil, err
	}
	rules = append(rules, p.Patterns...)

	detector, err := waf.NewDetector(waf.Config{Rules: rules, MaxFindings: p.MaxFindings})
	if err != nil {
		return nil, err
	}
	return NewDetectorRule(b.deps.Validator, detector, DetectorOptions{
		Fields:  p.Fields,
		Headers: p.Headers,
		Posture: b.posture,
	}, opts...), nil
}

func (b *builder) policyRule(ctx context.Context, p policyParams, opts []BaseOption) (Rule, error) {
	evaluator, err := b.policyEvaluator(ctx)
	if err != nil {
		return nil, err
	}

	entrypoints := p.Entrypoints
	if p.Entrypoint != "" {
		entrypoints = append([]string{p.Entrypoint}, entrypoints...)
	}
	if len(entrypoints) > 0 {
		bound := make([]policy.Evaluator, 0, len(entrypoints))
		for _, entry := range entrypoints {
			bound = append(bound, policy.Entrypoint{Evaluator: evaluator, Path: entry})
		}
		evaluator = policy.NewChain(bound...)
	}

	return NewPolicyRule(b.deps.Validator, evaluator, b.posture, opts...), nil
}

// policyEvaluator builds the shared engine on first use.
func (b *builder) policyEvaluator(ctx context.Context) (policy.Evaluator, error) {
	if b.deps.Policy != nil {
		return b.deps.Policy, nil
	}
	if b.engine != nil {
		return b.engine, nil
	}
	if len(b.policyCfg.Modules) == 0 {
		return nil, fmt.Errorf("policy rule requires policy modules")
	}
	engine, err := policy.NewEngine(ctx, policy.EngineOptions{
		Entrypoint:      b.policyCfg.Entrypoint,
		Modules:         b.policyCfg.Modules,
		CacheMaxEntries: b.policyCfg.CacheSize,
		Logger:          b.logger,
	})
	if err != nil {
		return nil, err
	}
	b.engine = engine
	return engine, nil
}

func decodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	return nil
}
