package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAnchorsPattern(t *testing.T) {
	typ, err := Compile(TypeDefinition{Name: "Word", Pattern: `[a-z]+|[0-9]+`})
	require.NoError(t, err)

	assert.True(t, typ.Matches("abc"))
	assert.True(t, typ.Matches("123"))
	assert.False(t, typ.Matches("abc123"))
	assert.False(t, typ.Matches("abc\n"))
}

func TestCompileCaseInsensitive(t *testing.T) {
	typ, err := Compile(TypeDefinition{Name: "Lower", Pattern: `[a-z]+`, CaseInsensitive: true})
	require.NoError(t, err)
	assert.True(t, typ.Matches("ABC"))
}

func TestCompileErrors(t *testing.T) {
	for _, def := range []TypeDefinition{
		{Pattern: `x`},
		{Name: "NoPattern"},
		{Name: "Neg", Pattern: `x`, MaxLength: -1},
		{Name: "Bad", Pattern: `[`},
	} {
		_, err := Compile(def)
		assert.Error(t, err, def.Name)
	}
}

func TestWithinLengthCountsRunes(t *testing.T) {
	typ, err := Compile(TypeDefinition{Name: "Short", Pattern: `.*`, MaxLength: 3})
	require.NoError(t, err)
	assert.True(t, typ.WithinLength("äöü"))
	assert.False(t, typ.WithinLength("abcd"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(TypeDefinition{Name: "Zip", Pattern: `[0-9]{5}`}))

	typ, ok := r.Resolve("ZIP")
	require.True(t, ok)
	assert.Equal(t, "Zip", typ.Name)

	require.NoError(t, r.Register(TypeDefinition{Name: "zip", Pattern: `[0-9]{4}`}))
	typ, _ = r.Resolve("Zip")
	assert.True(t, typ.Matches("1234"))
	assert.Equal(t, []string{"zip"}, r.Names())

	_, ok = r.Resolve("")
	assert.False(t, ok)
}

func TestDefaultTypesCompile(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterAll(DefaultTypes()))
	for _, def := range DefaultTypes() {
		_, ok := r.Resolve(def.Name)
		assert.True(t, ok, def.Name)
	}

	email, _ := r.Resolve("Email")
	assert.True(t, email.Matches("alice@example.com"))
	assert.False(t, email.Matches("alice@"))

	ip, _ := r.Resolve("IPAddress")
	assert.True(t, ip.Matches("192.168.0.1"))
	assert.False(t, ip.Matches("256.1.1.1"))

	param, _ := r.Resolve(TypeHTTPParameterName)
	assert.False(t, param.Matches(strings.Repeat("a", 33)))
}
