package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/polis-guard/pkg/domain"
)

// DefaultRuleID identifies rules configured without an id.
const DefaultRuleID = "(no rule ID)"

// Rule inspects a request and reports an Action. Check must not panic on
// any input, and must be safe for concurrent use.
type Rule interface {
	ID() string
	Type() string
	Check(ctx context.Context, req domain.Request, resp domain.Response) Action
}

// Base carries the identity, failure response and audit logging shared by
// the concrete rules.
type Base struct {
	id         string
	typ        string
	onFailure  Response
	logger     *slog.Logger
	auditLevel slog.Level
}

// BaseOption customises a Base.
type BaseOption func(*Base)

// WithID sets the rule id. Blank ids are ignored.
func WithID(id string) BaseOption {
	return func(b *Base) {
		if strings.TrimSpace(id) != "" {
			b.id = strings.TrimSpace(id)
		}
	}
}

// WithOnFailure sets the action taken when the check fails.
func WithOnFailure(resp Response) BaseOption {
	return func(b *Base) {
		if resp.Action != "" {
			b.onFailure = resp
		}
	}
}

// WithLogger sets the audit logger.
func WithLogger(logger *slog.Logger) BaseOption {
	return func(b *Base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithAuditLevel sets the level of audit lines.
func WithAuditLevel(level slog.Level) BaseOption {
	return func(b *Base) {
		b.auditLevel = level
	}
}

// NewBase builds the shared rule state for a rule of type typ.
func NewBase(typ string, opts ...BaseOption) Base {
	b := Base{
		id:         DefaultRuleID,
		typ:        typ,
		onFailure:  DefaultResponse(),
		logger:     slog.Default(),
		auditLevel: slog.LevelWarn,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// ID implements Rule.
func (b Base) ID() string { return b.id }

// Type implements Rule.
func (b Base) Type() string { return b.typ }

// Log writes an audit line "[IP=<addr>,Rule=<type>] <message>".
func (b Base) Log(ctx context.Context, req domain.Request, message string, args ...any) {
	line := fmt.Sprintf("[IP=%s,Rule=%s] %s", req.RemoteAddr(), b.typ, message)
	b.logger.Log(ctx, b.auditLevel, line, append([]any{"rule_id", b.id}, args...)...)
}

// Pass returns the neutral action tagged with this rule.
func (b Base) Pass() Action {
	return b.tag(DoNothing())
}

// Fail audits message and returns the configured failure action. Intrusion
// errors always block, whatever the configured response.
func (b Base) Fail(ctx context.Context, req domain.Request, message string, err error) Action {
	args := []any{}
	if err != nil {
		args = append(args,
			"kind", string(domain.KindOf(err)),
			"reason", domain.ReasonOf(err),
		)
	}
	b.Log(ctx, req, message, args...)

	var action Action
	if domain.KindOf(err) == domain.KindIntrusion {
		action = Block(b.onFailure.blockStatus(), message)
	} else {
		action = b.onFailure.action(message)
	}
	action.Err = err
	return b.tag(action)
}

func (b Base) tag(a Action) Action {
	a.RuleID = b.id
	a.RuleType = b.typ
	return a
}

func (r Response) blockStatus() int {
	if ActionKind(strings.ToLower(string(r.Action))) == KindBlock {
		return r.Status
	}
	return 0
}
