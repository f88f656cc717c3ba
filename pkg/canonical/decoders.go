package canonical

import (
	"html"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Decoder performs a single decoding step. Decode must be deterministic and
// must leave input it cannot decode untouched.
type Decoder interface {
	Name() string
	Decode(s string) string
}

const (
	// DecoderPercent decodes %XX URL escapes.
	DecoderPercent = "percent"
	// DecoderHTML decodes named and numeric HTML/XML entities.
	DecoderHTML = "html"
	// DecoderNFKC applies Unicode compatibility normalization (fullwidth and
	// other lookalike forms fold to ASCII).
	DecoderNFKC = "nfkc"
)

var builtinDecoders = map[string]Decoder{
	DecoderPercent: percentDecoder{},
	DecoderHTML:    htmlDecoder{},
	DecoderNFKC:    nfkcDecoder{},
}

// DefaultDecoders is the decoder order used when none is configured.
func DefaultDecoders() []string {
	return []string{DecoderPercent, DecoderHTML}
}

// LookupDecoder resolves a builtin decoder by name.
func LookupDecoder(name string) (Decoder, bool) {
	dec, ok := builtinDecoders[name]
	return dec, ok
}

// DecoderNames lists the builtin decoders.
func DecoderNames() []string {
	names := make([]string, 0, len(builtinDecoders))
	for name := range builtinDecoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type percentDecoder struct{}

func (percentDecoder) Name() string { return DecoderPercent }

// Decode is lenient: a malformed escape such as "%zz" or a trailing "%" is
// kept literally instead of failing the whole value.
func (percentDecoder) Decode(s string) string {
	idx := strings.IndexByte(s, '%')
	if idx < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:idx])
	for i := idx; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

type htmlDecoder struct{}

func (htmlDecoder) Name() string { return DecoderHTML }

func (htmlDecoder) Decode(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return html.UnescapeString(s)
}

type nfkcDecoder struct{}

func (nfkcDecoder) Name() string { return DecoderNFKC }

func (nfkcDecoder) Decode(s string) string {
	return norm.NFKC.String(s)
}

func isHex(c byte) bool {
	switch {
	case '0' <= c && c <= '9':
		return true
	case 'a' <= c && c <= 'f':
		return true
	case 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
