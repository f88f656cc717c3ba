package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: error
validation:
  types:
    - name: Digits
      pattern: "[0-9]+"
pipeline:
  id: cli
  rules:
    - id: id-digits
      type: parameter
      params:
        parameters:
          id: Digits
    - id: frame
      type: add_header
      params:
        name: X-Frame-Options
        value: DENY
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), err
}

func TestCheckConfig(t *testing.T) {
	out, err := execute(t, "check-config", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration OK")
	assert.Contains(t, out, "pipeline cli: 2 rules")
	assert.Contains(t, out, "1. id-digits (parameter)")
	assert.Contains(t, out, "Digits")
	assert.Contains(t, out, "decoders: percent, html (available: html, nfkc, percent)")
}

func TestCheckConfigFailsOnBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  rules:\n    - type: nonsense\n"), 0o600))

	_, err := execute(t, "check-config", "--config", path)
	assert.Error(t, err)
}

func TestValidateInput(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "validate", "input", "Digits", "%34%32", "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, "42\n", out)

	_, err = execute(t, "validate", "input", "Digits", "%2534", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intrusion")
}

func TestValidateRequest(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "validate", "request", "--config", cfg, "-p", "id=abc")
	require.NoError(t, err)

	var report verdictReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Allowed)
	assert.Equal(t, "block", report.Action)
	assert.Equal(t, "id-digits", report.DecidedBy)
	assert.Equal(t, 403, report.Status)
	assert.Equal(t, "DENY", report.Headers["X-Frame-Options"])

	out, err = execute(t, "validate", "request", "--config", cfg, "-p", "id=7", "-H", "Accept: text/html")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Allowed)
}

func TestRequestFlagsRejectMalformedPairs(t *testing.T) {
	_, err := requestFlags{Params: []string{"novalue"}}.build()
	assert.Error(t, err)
	_, err = requestFlags{Headers: []string{"=x"}}.build()
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GUARD_TEST_ONLY=loaded\n"), 0o600))
	t.Setenv("GUARD_TEST_ONLY", "")
	require.NoError(t, os.Unsetenv("GUARD_TEST_ONLY"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "loaded", os.Getenv("GUARD_TEST_ONLY"))

	assert.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestUpstreamHandlerDefault(t *testing.T) {
	h, err := upstreamHandler("")
	require.NoError(t, err)
	assert.NotNil(t, h)

	h, err = upstreamHandler("http://127.0.0.1:9")
	require.NoError(t, err)
	assert.NotNil(t, h)
}
