// Package accessref maps sensitive direct references (database keys, file
// names) to random indirect tokens, so only tokens are ever exposed to
// clients.
package accessref

import (
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/polis-guard/pkg/domain"
)

// Reason carried by lookups of unknown references.
const ReasonUnknownReference = "unknown_reference"

// Map is a bijection between direct references and indirect tokens. Both
// directions are guarded by one mutex so they never disagree. Safe for
// concurrent use.
type Map[K comparable] struct {
	mu       sync.RWMutex
	toToken  map[K]string
	toDirect map[string]K
	newToken func() string
	logger   *slog.Logger
}

// Option customises a Map.
type Option func(*options)

type options struct {
	newToken func() string
	logger   *slog.Logger
}

// WithTokenSource replaces the random UUID token generator.
func WithTokenSource(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newToken = fn
		}
	}
}

// WithLogger sets the logger used for access control failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates a map seeded with directs.
func New[K comparable](directs []K, opts ...Option) *Map[K] {
	o := options{newToken: randomToken, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Map[K]{
		toToken:  make(map[K]string, len(directs)),
		toDirect: make(map[string]K, len(directs)),
		newToken: o.newToken,
		logger:   o.logger,
	}
	for _, d := range directs {
		m.addLocked(d)
	}
	return m
}

func randomToken() string {
	return uuid.NewString()
}

// Add registers direct and returns its token. Adding a known reference
// returns the existing token.
func (m *Map[K]) Add(direct K) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(direct)
}

func (m *Map[K]) addLocked(direct K) string {
	if token, ok := m.toToken[direct]; ok {
		return token
	}
	token := m.newToken()
	for _, taken := m.toDirect[token]; taken; _, taken = m.toDirect[token] {
		token = m.newToken()
	}
	m.toToken[direct] = token
	m.toDirect[token] = direct
	return token
}

// Remove forgets direct and its token.
func (m *Map[K]) Remove(direct K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	token, ok := m.toToken[direct]
	if !ok {
		return m.denied(fmt.Sprintf("remove of unknown direct reference %v", direct))
	}
	delete(m.toToken, direct)
	delete(m.toDirect, token)
	return nil
}

// Update replaces the reference set with directs. References kept across the
// update keep their tokens; new ones get fresh tokens.
func (m *Map[K]) Update(directs []K) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[K]struct{}, len(directs))
	for _, d := range directs {
		keep[d] = struct{}{}
	}
	for direct, token := range m.toToken {
		if _, ok := keep[direct]; !ok {
			delete(m.toToken, direct)
			delete(m.toDirect, token)
		}
	}
	for _, d := range directs {
		m.addLocked(d)
	}
}

// IndirectReference returns the token for direct.
func (m *Map[K]) IndirectReference(direct K) (string, error) {
	m.mu.RLock()
	token, ok := m.toToken[direct]
	m.mu.RUnlock()
	if !ok {
		return "", m.denied(fmt.Sprintf("no indirect reference for %v", direct))
	}
	return token, nil
}

// DirectReference resolves a token supplied by a client.
func (m *Map[K]) DirectReference(token string) (K, error) {
	m.mu.RLock()
	direct, ok := m.toDirect[token]
	m.mu.RUnlock()
	if !ok {
		var zero K
		return zero, m.denied(fmt.Sprintf("unknown indirect reference %q", token))
	}
	return direct, nil
}

// DirectReferences returns a snapshot iterator over the direct references.
func (m *Map[K]) DirectReferences() iter.Seq[K] {
	m.mu.RLock()
	snapshot := make([]K, 0, len(m.toToken))
	for direct := range m.toToken {
		snapshot = append(snapshot, direct)
	}
	m.mu.RUnlock()

	return func(yield func(K) bool) {
		for _, d := range snapshot {
			if !yield(d) {
				return
			}
		}
	}
}

// Len returns the number of references.
func (m *Map[K]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.toToken)
}

func (m *Map[K]) denied(detail string) error {
	m.logger.Warn("access reference denied", "reason", ReasonUnknownReference, "detail", detail)
	return domain.NewError(domain.KindAccessControl, ReasonUnknownReference, "Access denied", detail)
}
