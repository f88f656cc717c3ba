package validation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-guard/pkg/domain"
)

func TestIsValidHTTPRequest(t *testing.T) {
	v, _ := newLoggedValidator(t, Config{})

	req := &domain.StaticRequest{
		Params:  map[string][]string{"name": {"alice"}, "page": {"2"}},
		Cookie:  []domain.Cookie{{Name: "session", Value: "abc123"}},
		Headers: map[string][]string{"Accept": {"text/html"}, "Cookie": {"session=abc123; x=<y>"}},
		Remote:  "10.0.0.1",
	}
	assert.True(t, v.IsValidHTTPRequest(context.Background(), req))
}

func TestIsValidHTTPRequestLogsEveryFailure(t *testing.T) {
	v, buf := newLoggedValidator(t, Config{})

	req := &domain.StaticRequest{
		Params: map[string][]string{
			"comment": {"<script>"},
			"ok":      {"fine"},
		},
		Cookie: []domain.Cookie{{Name: "track", Value: "a;b\"c"}},
		Remote: "10.0.0.2",
	}

	assert.False(t, v.IsValidHTTPRequest(context.Background(), req))

	errs := v.ValidateHTTPRequest(context.Background(), req)
	require.Len(t, errs, 2)

	out := buf.String()
	assert.Contains(t, out, "HTTP parameter value: comment")
	assert.Contains(t, out, "HTTP cookie value: track")
	assert.GreaterOrEqual(t, strings.Count(out, "invalid request item"), 2)
}

func TestValidateHTTPRequestHeaders(t *testing.T) {
	v := newTestValidator(t, Config{})

	req := &domain.StaticRequest{
		Headers: map[string][]string{
			"X-Bad Name": {"v"},
			"X-Value":    {"ok", "not<ok>"},
		},
	}
	errs := v.ValidateHTTPRequest(context.Background(), req)
	require.Len(t, errs, 2)
	for _, err := range errs {
		assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
}

func TestIsValidParameterSet(t *testing.T) {
	ctx := context.Background()
	v := newTestValidator(t, Config{})
	required := []string{"a", "b"}
	optional := []string{"c"}

	params := func(names ...string) domain.Request {
		p := make(map[string][]string, len(names))
		for _, n := range names {
			p[n] = []string{"1"}
		}
		return &domain.StaticRequest{Params: p}
	}

	assert.True(t, v.IsValidParameterSet(ctx, params("a", "b"), required, optional))
	assert.False(t, v.IsValidParameterSet(ctx, params("a"), required, optional))
	assert.True(t, v.IsValidParameterSet(ctx, params("a", "b", "c"), required, optional))
	assert.False(t, v.IsValidParameterSet(ctx, params("a", "b", "d"), required, optional))
	assert.True(t, v.IsValidParameterSet(ctx, params(), nil, nil))
}

func TestGetValidParameterHeaderCookie(t *testing.T) {
	ctx := context.Background()
	v := newTestValidator(t, Config{})
	req := &domain.StaticRequest{
		Params:  map[string][]string{"id": {"42"}, "dup": {"1", "2"}},
		Cookie:  []domain.Cookie{{Name: "lang", Value: "en"}},
		Headers: map[string][]string{"X-Request-Id": {"abc-123"}},
	}

	got, err := v.GetValidParameter(ctx, req, "id", TypeHTTPParameterValue)
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	_, err = v.GetValidParameter(ctx, req, "missing", TypeHTTPParameterValue)
	assert.Equal(t, ReasonInputMissing, domain.ReasonOf(err))

	_, err = v.GetValidParameter(ctx, req, "dup", TypeHTTPParameterValue)
	assert.Equal(t, ReasonMultipleValues, domain.ReasonOf(err))

	got, err = v.GetValidHeader(ctx, req, "x-request-id", TypeHTTPHeaderValue)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", got)

	_, err = v.GetValidHeader(ctx, req, "X-Absent", TypeHTTPHeaderValue)
	assert.Equal(t, ReasonInputMissing, domain.ReasonOf(err))

	got, err = v.GetValidCookie(ctx, req, "lang", TypeHTTPCookieValue)
	require.NoError(t, err)
	assert.Equal(t, "en", got)

	_, err = v.GetValidCookie(ctx, req, "theme", TypeHTTPCookieValue)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
