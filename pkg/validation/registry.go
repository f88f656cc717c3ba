package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// TypeDefinition declares a whitelist validation type.
type TypeDefinition struct {
	Name            string `yaml:"name" json:"name" toml:"name" validate:"required"`
	Pattern         string `yaml:"pattern" json:"pattern" toml:"pattern" validate:"required"`
	MaxLength       int    `yaml:"max_length" json:"max_length" toml:"max_length" validate:"gte=0"`
	CaseInsensitive bool   `yaml:"case_insensitive" json:"case_insensitive" toml:"case_insensitive"`
}

// Type is a compiled TypeDefinition. The pattern always matches the whole value.
type Type struct {
	Name      string
	Pattern   string
	MaxLength int
	expr      *regexp.Regexp
}

// Matches reports whether value fully matches the type pattern.
func (t *Type) Matches(value string) bool {
	return t.expr.MatchString(value)
}

// WithinLength reports whether value respects MaxLength (in runes).
func (t *Type) WithinLength(value string) bool {
	return t.MaxLength <= 0 || utf8.RuneCountInString(value) <= t.MaxLength
}

// Compile anchors and compiles def.
func Compile(def TypeDefinition) (*Type, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fmt.Errorf("validation: type name is required")
	}
	if strings.TrimSpace(def.Pattern) == "" {
		return nil, fmt.Errorf("validation: pattern is required for type %s", name)
	}
	if def.MaxLength < 0 {
		return nil, fmt.Errorf("validation: negative max length for type %s", name)
	}

	source := "^(?:" + def.Pattern + ")$"
	if def.CaseInsensitive {
		source = "(?i)" + source
	}
	expr, err := regexp.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("validation: invalid pattern for type %s: %w", name, err)
	}
	return &Type{Name: name, Pattern: def.Pattern, MaxLength: def.MaxLength, expr: expr}, nil
}

// Registry maps validation type names to compiled patterns. It is populated
// before the firewall starts serving and only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Type
}

// NewRegistry creates an empty registry instance.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*Type)}
}

// Register compiles def and inserts or replaces it.
func (r *Registry) Register(def TypeDefinition) error {
	t, err := Compile(def)
	if err != nil {
		return err
	}

	key := strings.ToLower(t.Name)

	r.mu.Lock()
	r.types[key] = t
	r.mu.Unlock()
	return nil
}

// RegisterAll adds multiple definitions, stopping at the first invalid one.
func (r *Registry) RegisterAll(defs []TypeDefinition) error {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// Resolve fetches a type by name.
func (r *Registry) Resolve(name string) (*Type, bool) {
	if name == "" {
		return nil, false
	}

	key := strings.ToLower(name)

	r.mu.RLock()
	t, ok := r.types[key]
	r.mu.RUnlock()
	return t, ok
}

// Names lists the registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for _, t := range r.types {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Builtin type names used by the request sweep and the convenience checks.
const (
	TypeHTTPParameterName  = "HTTPParameterName"
	TypeHTTPParameterValue = "HTTPParameterValue"
	TypeHTTPCookieName     = "HTTPCookieName"
	TypeHTTPCookieValue    = "HTTPCookieValue"
	TypeHTTPHeaderName     = "HTTPHeaderName"
	TypeHTTPHeaderValue    = "HTTPHeaderValue"
	TypeCreditCard         = "CreditCard"
	TypeRedirect           = "Redirect"
)

// DefaultTypes returns the builtin whitelist types. Deployments override any
// of them by registering a definition with the same name.
func DefaultTypes() []TypeDefinition {
	return []TypeDefinition{
		{Name: TypeHTTPParameterName, Pattern: `[a-zA-Z0-9_]{0,32}`},
		{Name: TypeHTTPParameterValue, Pattern: `[a-zA-Z0-9.\-/+=_ ]*`, MaxLength: 2000},
		{Name: TypeHTTPCookieName, Pattern: `[a-zA-Z0-9\-_]{0,32}`},
		{Name: TypeHTTPCookieValue, Pattern: `[a-zA-Z0-9\-/+=_ ]*`, MaxLength: 4096},
		{Name: TypeHTTPHeaderName, Pattern: `[a-zA-Z0-9\-_]{0,32}`},
		{Name: TypeHTTPHeaderValue, Pattern: `[a-zA-Z0-9()\-=*.?;,+/:&_ ]*`, MaxLength: 4096},
		{Name: TypeCreditCard, Pattern: `(\d{4}[- ]?){3}\d{4}`},
		// Site-relative paths only; "//host" would be protocol-relative.
		{Name: TypeRedirect, Pattern: `/([A-Za-z0-9._~\-][A-Za-z0-9._~!$'()*+,;=:@/\-]*)?(\?[A-Za-z0-9._~!$'()*+,;=:@/?&\-]*)?`, MaxLength: 2048},
		{Name: "Email", Pattern: `[A-Za-z0-9._%'\-]+@[A-Za-z0-9.\-]+\.[a-zA-Z]{2,24}`, MaxLength: 254},
		{Name: "IPAddress", Pattern: `((25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)`},
		{Name: "URL", Pattern: `https?://[0-9A-Za-z]([\-.\w]*[0-9A-Za-z])*(:[0-9]+)?(/[A-Za-z0-9\-.?,:'/+=&%$#_]*)?`, MaxLength: 2048, CaseInsensitive: true},
		{Name: "SafeString", Pattern: `[\p{L}\p{N}\s.\-]*`, MaxLength: 1024},
		{Name: "AccountName", Pattern: `[a-zA-Z0-9]{3,20}`},
		{Name: "FileName", Pattern: "[a-zA-Z0-9!@#$%^&{}\\[\\]()_+\\-=,.~'` ]{1,255}"},
		{Name: "DirectoryName", Pattern: "[a-zA-Z0-9:/\\\\!@#$%^&{}\\[\\]()_+\\-=,.~'` ]{1,255}"},
	}
}
