// Package canonical reduces untrusted strings to a single unambiguous form by
// running them through a fixed chain of decoders until nothing changes.
package canonical

import (
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultMaxPasses bounds attacker-induced work, including the pass that
	// confirms the fixed point.
	DefaultMaxPasses = 5
)

// ErrPassLimit is returned when the input is still changing after MaxPasses.
var ErrPassLimit = errors.New("canonical: decode pass limit reached before fixed point")

// Config selects the decoders and limits of a Canonicalizer.
type Config struct {
	// Decoders lists decoder names in application order. Empty selects DefaultDecoders.
	Decoders []string
	// MaxPasses caps the number of full passes. Zero selects DefaultMaxPasses.
	MaxPasses int
	// CacheSize enables an LRU memo of results when positive.
	CacheSize int
}

// Result describes one canonicalization.
type Result struct {
	Original  string
	Canonical string
	// Layers counts individual decoder applications that changed the value.
	Layers int
	// Passes counts full passes that changed the value.
	Passes int
}

// MultipleEncoding reports whether the input was double or mixed encoded.
func (r Result) MultipleEncoding() bool {
	return r.Layers > 1
}

// Canonicalizer is immutable after construction and safe for concurrent use.
type Canonicalizer struct {
	decoders  []Decoder
	maxPasses int
	cache     *lru.Cache[string, Result]
}

// New constructs a Canonicalizer from cfg.
func New(cfg Config) (*Canonicalizer, error) {
	names := cfg.Decoders
	if len(names) == 0 {
		names = DefaultDecoders()
	}

	decoders := make([]Decoder, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("canonical: decoder %q listed twice", name)
		}
		dec, ok := LookupDecoder(name)
		if !ok {
			return nil, fmt.Errorf("canonical: unknown decoder %q (available: %s)", raw, strings.Join(DecoderNames(), ", "))
		}
		seen[name] = struct{}{}
		decoders = append(decoders, dec)
	}

	maxPasses := cfg.MaxPasses
	switch {
	case maxPasses == 0:
		maxPasses = DefaultMaxPasses
	case maxPasses < 2:
		return nil, fmt.Errorf("canonical: max passes must be at least 2, got %d", maxPasses)
	}

	c := &Canonicalizer{decoders: decoders, maxPasses: maxPasses}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, Result](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("canonical: create cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// MustNew is New for static configurations known to be valid.
func MustNew(cfg Config) *Canonicalizer {
	c, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Decoders returns the decoder names in application order.
func (c *Canonicalizer) Decoders() []string {
	names := make([]string, len(c.decoders))
	for i, dec := range c.decoders {
		names[i] = dec.Name()
	}
	return names
}

// Canonicalize decodes raw until a full pass over every decoder leaves it
// unchanged. It never returns a value that is not a fixed point.
func (c *Canonicalizer) Canonicalize(raw string) (Result, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(raw); ok {
			return cached, nil
		}
	}

	res := Result{Original: raw}
	current := raw
	for pass := 0; pass < c.maxPasses; pass++ {
		next := current
		changed := 0
		for _, dec := range c.decoders {
			decoded := dec.Decode(next)
			if decoded != next {
				changed++
				next = decoded
			}
		}
		if changed == 0 {
			res.Canonical = current
			if c.cache != nil {
				c.cache.Add(raw, res)
			}
			return res, nil
		}
		res.Layers += changed
		res.Passes++
		current = next
	}

	return Result{Original: raw, Layers: res.Layers, Passes: res.Passes}, ErrPassLimit
}
