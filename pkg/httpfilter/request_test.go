package httpfilter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-guard/pkg/domain"
)

func TestNewRequestMergesQueryAndForm(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/submit?a=1&b=2", strings.NewReader("a=3&c=4"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")
	r.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	r.RemoteAddr = "[2001:db8::1]:443"

	req, err := NewRequest(r, 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"1", "3"}, req.Parameters()["a"])
	assert.Equal(t, []string{"2"}, req.Parameters()["b"])
	assert.Equal(t, []string{"4"}, req.Parameters()["c"])
	assert.Equal(t, []domain.Cookie{{Name: "session", Value: "abc"}}, req.Cookies())
	assert.Equal(t, "2001:db8::1", req.RemoteAddr())
	assert.Contains(t, req.HeaderNames(), "Content-Type")
	assert.Equal(t, []string{"session=abc"}, req.HeaderValues("cookie"))

	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, "a=3&c=4", string(body), "body stays readable downstream")
}

func TestNewRequestIgnoresNonFormBodies(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")

	req, err := NewRequest(r, 0)
	require.NoError(t, err)
	assert.Empty(t, req.Parameters())
}

func TestNewRequestFormLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("a=123456789"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := NewRequest(r, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAvailability)
	assert.Equal(t, ReasonFormTooLarge, domain.ReasonOf(err))
}

func TestNewRequestRejectsMalformedQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.URL.RawQuery = "ok=1&q=%zz"

	_, err := NewRequest(r, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, ReasonMalformedQuery, domain.ReasonOf(err))
}

func TestNewRequestRemoteWithoutPort(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "unix"
	req, err := NewRequest(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "unix", req.RemoteAddr())
}
