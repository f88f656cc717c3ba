package policy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testModule = `package guard

default decision := {"action": "allow"}

decision := {"action": "block", "reason": "admin parameter", "status": 451} if {
	input.parameters.admin
}

decision := {"action": "redirect", "target": "/login", "reason": "no session"} if {
	not input.parameters.admin
	not input.cookies.session
	input.attributes.path == "/account"
}
`

const logModule = `package audit

decision := {"action": "log", "reason": "internal caller", "metadata": {"zone": "lan"}} if {
	startswith(input.remote_addr, "10.")
}
`

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"guard.rego": testModule, "audit.rego": logModule},
	})
	require.NoError(t, err)
	return engine
}

func TestEngineEvaluate(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	decision, err := engine.Evaluate(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)

	decision, err = engine.Evaluate(ctx, Input{Parameters: map[string][]string{"admin": {"1"}}})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, decision.Action)
	assert.Equal(t, "admin parameter", decision.Reason)
	assert.Equal(t, 451, decision.Status)

	decision, err = engine.Evaluate(ctx, Input{Attributes: map[string]any{"path": "/account"}})
	require.NoError(t, err)
	assert.Equal(t, ActionRedirect, decision.Action)
	assert.Equal(t, "/login", decision.Target)
}

func TestEngineUndefinedEntrypointAllows(t *testing.T) {
	engine := newTestEngine(t)

	decision, err := engine.Evaluate(context.Background(), Input{Entrypoint: "audit/decision", RemoteAddr: "192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)

	decision, err = engine.Evaluate(context.Background(), Input{Entrypoint: "audit/decision", RemoteAddr: "10.1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, ActionLog, decision.Action)
	assert.Equal(t, "lan", decision.Metadata["zone"])
}

func TestEngineCacheReturnsCopies(t *testing.T) {
	engine := newTestEngine(t)
	input := Input{Entrypoint: "audit/decision", RemoteAddr: "10.0.0.1"}

	first, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)
	first.Metadata["zone"] = "mutated"

	second, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "lan", second.Metadata["zone"])

	engine.FlushCache()
	third, err := engine.Evaluate(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestNewEngineErrors(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{Modules: map[string]string{"bad.rego": "package guard\n decision :="}})
	assert.Error(t, err)
}

func TestParseDecisionRejectsBadPayloads(t *testing.T) {
	_, err := parseDecision(map[string]any{"action": "explode"})
	assert.Error(t, err)

	_, err = parseDecision(map[string]any{"action": 1})
	assert.Error(t, err)

	_, err = parseDecision(map[string]any{"action": "redirect"})
	assert.Error(t, err)

	_, err = parseDecision(map[string]any{"action": "block", "status": float64(42)})
	assert.ErrorContains(t, err, "invalid status 42")

	_, err = parseDecision(map[string]any{"action": "block", "status": json.Number("600")})
	assert.Error(t, err)

	_, err = parseDecision(map[string]any{"action": "redirect", "target": "/login", "status": 403})
	assert.ErrorContains(t, err, "not 3xx")

	decision, err := parseDecision(map[string]any{"action": "redirect", "target": "/login", "status": 303})
	require.NoError(t, err)
	assert.Equal(t, 303, decision.Status)

	decision, err = parseDecision(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)
}

type staticEvaluator Decision

func (s staticEvaluator) Evaluate(context.Context, Input) (Decision, error) {
	return Decision(s), nil
}

func TestChain(t *testing.T) {
	ctx := context.Background()

	decision, err := NewChain().Evaluate(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, ActionAllow, decision.Action)

	chain := NewChain(
		staticEvaluator{Action: ActionLog, Reason: "first"},
		staticEvaluator{Action: ActionAllow},
		staticEvaluator{Action: ActionBlock, Reason: "blocked"},
		staticEvaluator{Action: ActionRedirect, Target: "/never"},
	)
	decision, err = chain.Evaluate(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, "blocked", decision.Reason)

	decision, err = NewChain(staticEvaluator{Action: ActionLog, Reason: "only"}).Evaluate(ctx, Input{})
	require.NoError(t, err)
	assert.Equal(t, ActionLog, decision.Action)

	_, err = NewChain(staticEvaluator{Action: "weird"}).Evaluate(ctx, Input{})
	assert.Error(t, err)
}

func TestEntrypointBindsPath(t *testing.T) {
	engine := newTestEngine(t)
	bound := Entrypoint{Evaluator: engine, Path: "audit/decision"}

	decision, err := bound.Evaluate(context.Background(), Input{Entrypoint: "guard/decision", RemoteAddr: "10.9.9.9"})
	require.NoError(t, err)
	assert.Equal(t, ActionLog, decision.Action)
}
