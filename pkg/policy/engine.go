package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Entrypoint is the default policy decision path (e.g. "guard/decision").
	Entrypoint string
	// Modules contains the Rego modules that should be loaded into the engine.
	Modules map[string]string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
	Logger          *slog.Logger
}

// Engine evaluates policy decisions using an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	cache         *lru.Cache[string, Decision]
	queries       map[string]*rego.PreparedEvalQuery
	logger        *slog.Logger
	mu            sync.RWMutex
}

const (
	// DefaultEntrypoint is used when neither the engine nor the input names one.
	DefaultEntrypoint    = "guard/decision"
	defaultCacheCapacity = 1024
)

// NewEngine parses and compiles the modules, failing fast on syntax errors.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = DefaultEntrypoint
	}

	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	maxEntries := opts.CacheMaxEntries
	if maxEntries == 0 {
		maxEntries = defaultCacheCapacity
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		queries:       make(map[string]*rego.PreparedEvalQuery),
		logger:        logger,
	}

	if maxEntries > 0 {
		cache, err := lru.New[string, Decision](maxEntries)
		if err != nil {
			return nil, fmt.Errorf("create decision cache: %w", err)
		}
		engine.cache = cache
	}

	// Warm the default entrypoint to surface compile errors early.
	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return engine, nil
}

// Evaluate executes the policy using the supplied input and converts the result.
// An undefined decision is an allow.
func (e *Engine) Evaluate(ctx context.Context, input Input) (Decision, error) {
	entry := strings.TrimSpace(input.Entrypoint)
	if entry == "" {
		entry = e.entrypoint
	}

	payload := map[string]any{
		"rule_id":     input.RuleID,
		"remote_addr": input.RemoteAddr,
		"parameters":  orEmpty(input.Parameters),
		"headers":     orEmpty(input.Headers),
		"cookies":     orEmpty(input.Cookies),
		"attributes":  orEmpty(input.Attributes),
	}

	cacheKey, shouldCache := e.cacheKey(entry, input.DisableCache, payload)
	if shouldCache {
		if cached, ok := e.cache.Get(cacheKey); ok {
			return cloneDecision(cached), nil
		}
	}

	prepared, err := e.getPreparedQuery(ctx, entry)
	if err != nil {
		return Decision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		e.logger.DebugContext(ctx, "policy decision undefined", "entrypoint", entry)
		return Decision{Action: ActionAllow, Metadata: map[string]string{}}, nil
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	decision, err := parseDecision(decisionPayload)
	if err != nil {
		return Decision{}, err
	}
	e.logger.DebugContext(ctx, "policy decision",
		"entrypoint", entry,
		"action", string(decision.Action),
		"reason", decision.Reason,
	)

	if shouldCache {
		e.cache.Add(cacheKey, decision)
	}

	return cloneDecision(decision), nil
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+2)
	opts = append(opts, rego.Query(query), rego.SetRegoVersion(ast.RegoV1))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}

	e.queries[entry] = &prepared
	return &prepared, nil
}

// cacheKey hashes the entrypoint and the JSON form of the payload. Map keys
// marshal sorted, so equal inputs hash equally.
func (e *Engine) cacheKey(entry string, disabled bool, payload map[string]any) (string, bool) {
	if e.cache == nil || disabled {
		return "", false
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", false
	}

	h := sha256.New()
	h.Write([]byte(entry))
	h.Write([]byte{0})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), true
}

func parseDecision(payload map[string]any) (Decision, error) {
	var decision Decision

	switch raw := payload["action"].(type) {
	case nil:
		decision.Action = ActionAllow
	case string:
		action, err := ParseAction(raw)
		if err != nil {
			return Decision{}, err
		}
		decision.Action = action
	default:
		return Decision{}, fmt.Errorf("opa decision: action must be string, got %T", raw)
	}

	decision.Reason, _ = payload["reason"].(string)
	decision.Target, _ = payload["target"].(string)

	switch status := payload["status"].(type) {
	case json.Number:
		n, err := status.Int64()
		if err != nil {
			return Decision{}, fmt.Errorf("opa decision: status: %w", err)
		}
		decision.Status = int(n)
	case float64:
		decision.Status = int(status)
	case int:
		decision.Status = status
	}

	if err := decision.Validate(); err != nil {
		return Decision{}, err
	}

	decision.Metadata = parseMetadata(payload["metadata"])
	return decision, nil
}

func parseMetadata(value any) map[string]string {
	switch typed := value.(type) {
	case map[string]string:
		return cloneStringMap(typed)
	case map[string]any:
		result := make(map[string]string, len(typed))
		for key, raw := range typed {
			if str, ok := raw.(string); ok {
				result[key] = str
			}
		}
		return result
	default:
		return map[string]string{}
	}
}

func cloneDecision(dec Decision) Decision {
	dec.Metadata = cloneStringMap(dec.Metadata)
	return dec
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func orEmpty[M ~map[string]V, V any](m M) M {
	if m == nil {
		return M{}
	}
	return m
}
