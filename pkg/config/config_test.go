package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const yamlConfig = `
server:
  address: ":9000"
  upstream: "http://127.0.0.1:8081"
  read_timeout: 5s
logging:
  level: DEBUG
  audit_level: error
validation:
  decoders: [percent, html, nfkc]
  max_passes: 4
  types:
    - name: OrderID
      pattern: "[0-9]{1,10}"
pipeline:
  id: shop
  posture:
    detector: fail-closed
  rules:
    - id: order
      type: parameter
      params:
        parameters:
          order: OrderID
`

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "guard.yaml", yamlConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, defaultAdminAddress, cfg.Server.AdminAddress)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "error", cfg.Pipeline.AuditLevel)
	assert.Equal(t, "shop", cfg.Pipeline.ID)
	require.Len(t, cfg.Pipeline.Rules, 1)
	assert.Equal(t, "parameter", cfg.Pipeline.Rules[0].Type)

	vc := cfg.ValidatorConfig()
	assert.Equal(t, []string{"percent", "html", "nfkc"}, vc.Canonicalization.Decoders)
	assert.Equal(t, 4, vc.Canonicalization.MaxPasses)
	require.Len(t, vc.Types, 1)
	assert.Equal(t, "OrderID", vc.Types[0].Name)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "guard.toml", `
[server]
address = ":7000"

[logging]
format = "console"

[pipeline]
id = "toml"

[[pipeline.rules]]
type = "parameter_set"
params = { required = ["q"] }
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "console", cfg.Logging.Format)
	require.Len(t, cfg.Pipeline.Rules, 1)
	assert.Equal(t, "parameter_set", cfg.Pipeline.Rules[0].Type)
	assert.Equal(t, "warn", cfg.Pipeline.AuditLevel)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "guard.json", `{"server":{"address":":6000"},"pipeline":{"id":"json"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":6000", cfg.Server.Address)
	assert.Equal(t, "json", cfg.Pipeline.ID)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, defaultListenAddress, cfg.Server.Address)
	assert.Equal(t, int64(defaultMaxFormBytes), cfg.Server.MaxFormBytes)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "default", cfg.Pipeline.ID)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GUARD_LISTEN_ADDR", ":5555")
	t.Setenv("GUARD_LOG_LEVEL", "warn")
	t.Setenv("GUARD_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("GUARD_OTLP_INSECURE", "true")
	t.Setenv("GUARD_ALLOW_MULTIPLE_ENCODING", "1")
	t.Setenv("GUARD_MAX_FORM_BYTES", "2048")

	path := writeFile(t, t.TempDir(), "guard.yaml", yamlConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5555", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.True(t, cfg.Validation.AllowMultipleEncoding)
	assert.Equal(t, int64(2048), cfg.Server.MaxFormBytes)

	tc := cfg.TelemetryProviderConfig()
	assert.Equal(t, "collector:4317", tc.Endpoint)
	assert.True(t, tc.Insecure)
}

func TestEnvOverrideRejectsBadBool(t *testing.T) {
	t.Setenv("GUARD_OTLP_INSECURE", "maybe")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "bad log level", content: "logging:\n  level: loud\n"},
		{name: "bad audit level", content: "logging:\n  audit_level: shouting\n"},
		{name: "bad upstream", content: "server:\n  upstream: \"ftp://files\"\n"},
		{name: "admin conflict", content: "server:\n  address: \":80\"\n  admin_address: \":80\"\n"},
		{name: "bad posture", content: "pipeline:\n  posture:\n    rules: sometimes\n"},
		{name: "bad decoder", content: "validation:\n  decoders: [rot13]\n"},
		{name: "bad type pattern", content: "validation:\n  types:\n    - name: Broken\n      pattern: \"[\"\n"},
		{name: "missing rule type", content: "pipeline:\n  rules:\n    - id: x\n"},
		{name: "duplicate rule id", content: "pipeline:\n  rules:\n    - {id: a, type: http_request}\n    - {id: a, type: http_request}\n"},
		{name: "bad html policy", content: "validation:\n  html_policy: loose\n"},
		{name: "sample ratio", content: "telemetry:\n  sample_ratio: 2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "guard.yaml", tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

const regoModule = `package guard

import rego.v1

default decision := {"action": "allow"}
`

func TestPolicyFilesLoaded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guard.rego", regoModule)
	sum := sha256.Sum256([]byte(regoModule))

	path := writeFile(t, dir, "guard.yaml", `
policy_files:
  - path: guard.rego
    sha256: "sha256:`+hex.EncodeToString(sum[:])+`"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, regoModule, cfg.Pipeline.Policy.Modules["guard.rego"])
	assert.Equal(t, []string{filepath.Join(dir, "guard.rego")}, cfg.ResolvedPolicyPaths())
}

func TestPolicyFileDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "guard.rego", regoModule)
	path := writeFile(t, dir, "guard.yaml", `
policy_files:
  - path: guard.rego
    sha256: "00"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestPolicyFileEmptyAndOversized(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.rego", "")
	writeFile(t, dir, "big.rego", regoModule)

	path := writeFile(t, dir, "empty.yaml", "policy_files:\n  - path: empty.rego\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeFile(t, dir, "big.yaml", "policy_files:\n  - path: big.rego\n    size_limit: 8\n")
	_, err = Load(path)
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "guard.yaml", "pipeline:\n  id: first\n")

	w, err := NewWatcher(path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	assert.Equal(t, int64(1), w.Current().Generation)
	assert.Equal(t, "first", w.Current().Config.Pipeline.ID)

	updates := w.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	// An invalid edit keeps the previous snapshot.
	writeFile(t, dir, "guard.yaml", "logging:\n  level: loud\n")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "first", w.Current().Config.Pipeline.ID)

	writeFile(t, dir, "guard.yaml", "pipeline:\n  id: second\n")

	select {
	case snap := <-updates:
		assert.Equal(t, "second", snap.Config.Pipeline.ID)
		assert.Greater(t, snap.Generation, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestNewWatcherRequiresValidFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
