// Package config provides configuration structures and loading logic for the
// guard.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-guard/pkg/canonical"
	"github.com/polisai/polis-guard/pkg/firewall"
	"github.com/polisai/polis-guard/pkg/logging"
	"github.com/polisai/polis-guard/pkg/policy"
	"github.com/polisai/polis-guard/pkg/telemetry"
	"github.com/polisai/polis-guard/pkg/validation"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARD_"

const (
	defaultListenAddress = ":8080"
	defaultAdminAddress  = ":19090"
	defaultMaxFormBytes  = 10 << 20
	defaultReadTimeout   = 30 * time.Second
	defaultWriteTimeout  = 30 * time.Second
)

// Config holds the global configuration for the guard.
type Config struct {
	Server     ServerConfig            `yaml:"server" json:"server" toml:"server"`
	Telemetry  TelemetryConfig         `yaml:"telemetry" json:"telemetry" toml:"telemetry"`
	Logging    LoggingConfig           `yaml:"logging" json:"logging" toml:"logging"`
	Validation ValidationConfig        `yaml:"validation" json:"validation" toml:"validation"`
	Pipeline   firewall.PipelineConfig `yaml:"pipeline" json:"pipeline" toml:"pipeline"`
	// PolicyFiles are Rego modules loaded into Pipeline.Policy.Modules.
	PolicyFiles []PolicyFile `yaml:"policy_files" json:"policy_files" toml:"policy_files" validate:"dive"`

	// Path is the file the configuration was read from.
	Path string `yaml:"-" json:"-" toml:"-"`
}

// ServerConfig holds configuration for the HTTP servers.
type ServerConfig struct {
	Address      string `yaml:"address" json:"address" toml:"address" validate:"required"`
	AdminAddress string `yaml:"admin_address" json:"admin_address" toml:"admin_address"`
	// Upstream is the URL allowed requests are proxied to. Empty serves a
	// plain 200 for allowed requests.
	Upstream     string        `yaml:"upstream" json:"upstream" toml:"upstream" validate:"omitempty,url"`
	MaxFormBytes int64         `yaml:"max_form_bytes" json:"max_form_bytes" toml:"max_form_bytes" validate:"gte=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" toml:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" toml:"write_timeout" validate:"gte=0"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	ServiceName  string  `yaml:"service_name" json:"service_name" toml:"service_name"`
	Environment  string  `yaml:"environment" json:"environment" toml:"environment"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint" toml:"otlp_endpoint" validate:"omitempty,hostname_port"`
	Insecure     bool    `yaml:"insecure" json:"insecure" toml:"insecure"`
	SampleRatio  float64 `yaml:"sample_ratio" json:"sample_ratio" toml:"sample_ratio" validate:"gte=0,lte=1"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" toml:"format" validate:"omitempty,oneof=json console"`
	Pretty bool   `yaml:"pretty" json:"pretty" toml:"pretty"`
	// AuditLevel is the level firewall audit lines are written at. A
	// pipeline-level audit_level takes precedence.
	AuditLevel string `yaml:"audit_level" json:"audit_level" toml:"audit_level"`
}

// ValidationConfig holds the validator settings.
type ValidationConfig struct {
	Decoders              []string                    `yaml:"decoders" json:"decoders" toml:"decoders"`
	MaxPasses             int                         `yaml:"max_passes" json:"max_passes" toml:"max_passes" validate:"gte=0"`
	CacheSize             int                         `yaml:"cache_size" json:"cache_size" toml:"cache_size" validate:"gte=0"`
	AllowMultipleEncoding bool                        `yaml:"allow_multiple_encoding" json:"allow_multiple_encoding" toml:"allow_multiple_encoding"`
	Types                 []validation.TypeDefinition `yaml:"types" json:"types" toml:"types" validate:"dive"`
	DisableDefaultTypes   bool                        `yaml:"disable_default_types" json:"disable_default_types" toml:"disable_default_types"`
	AllowedExtensions     []string                    `yaml:"allowed_extensions" json:"allowed_extensions" toml:"allowed_extensions"`
	MaxUploadSize         int64                       `yaml:"max_upload_size" json:"max_upload_size" toml:"max_upload_size" validate:"gte=0"`
	HTMLPolicy            string                      `yaml:"html_policy" json:"html_policy" toml:"html_policy" validate:"omitempty,oneof=ugc strict"`
}

// Default returns the configuration used before any file or environment
// override is applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      defaultListenAddress,
			AdminAddress: defaultAdminAddress,
			MaxFormBytes: defaultMaxFormBytes,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     logging.FormatJSON,
			AuditLevel: "warn",
		},
		Pipeline: firewall.PipelineConfig{ID: "default"},
	}
}

// Load reads configuration from a file and applies environment variable
// overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.Path = path
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := cfg.loadPolicyFiles(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return err
			}
		}
		return nil
	}
}

func applyEnvOverrides(cfg *Config) error {
	env := func(name string) string {
		return strings.TrimSpace(os.Getenv(EnvPrefix + name))
	}

	if val := env("LISTEN_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := env("ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}
	if val := env("UPSTREAM"); val != "" {
		cfg.Server.Upstream = val
	}
	if val := env("MAX_FORM_BYTES"); val != "" {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return fmt.Errorf("%sMAX_FORM_BYTES: %w", EnvPrefix, err)
		}
		cfg.Server.MaxFormBytes = n
	}

	if val := env("LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := env("LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := env("AUDIT_LEVEL"); val != "" {
		cfg.Logging.AuditLevel = val
	}

	if val := env("OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := env("OTLP_INSECURE"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%sOTLP_INSECURE: %w", EnvPrefix, err)
		}
		cfg.Telemetry.Insecure = b
	}

	if val := env("ALLOW_MULTIPLE_ENCODING"); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%sALLOW_MULTIPLE_ENCODING: %w", EnvPrefix, err)
		}
		cfg.Validation.AllowMultipleEncoding = b
	}
	if val := env("PIPELINE_ID"); val != "" {
		cfg.Pipeline.ID = val
	}
	return nil
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate performs struct tag validation followed by the semantic checks
// tags cannot express. It normalises a few fields in place.
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))

	if err := structValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return err
	}

	if c.Server.Upstream != "" {
		u, err := url.Parse(c.Server.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server configuration: upstream %q must be an http(s) URL", c.Server.Upstream)
		}
	}
	if c.Server.AdminAddress != "" && c.Server.AdminAddress == c.Server.Address {
		return fmt.Errorf("server configuration: admin_address conflicts with address %q", c.Server.Address)
	}

	if c.Pipeline.AuditLevel == "" {
		c.Pipeline.AuditLevel = c.Logging.AuditLevel
	}
	if _, err := firewall.ParseAuditLevel(c.Pipeline.AuditLevel); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	postures := policy.DefaultPostureSet()
	if err := postures.ApplyOverrideStrings(c.Pipeline.Posture); err != nil {
		return fmt.Errorf("pipeline configuration: %w", err)
	}

	if _, err := canonical.New(c.Validation.canonical()); err != nil {
		return fmt.Errorf("validation configuration: %w", err)
	}
	for _, def := range c.Validation.Types {
		if _, err := validation.Compile(def); err != nil {
			return fmt.Errorf("validation configuration: %w", err)
		}
	}

	seen := make(map[string]struct{}, len(c.Pipeline.Rules))
	for i, rule := range c.Pipeline.Rules {
		if rule.ID == "" {
			continue
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("pipeline configuration: rule %d duplicates id %q", i, rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}
	return nil
}

func (v ValidationConfig) canonical() canonical.Config {
	return canonical.Config{
		Decoders:  v.Decoders,
		MaxPasses: v.MaxPasses,
		CacheSize: v.CacheSize,
	}
}

// ValidatorConfig converts the validation section into validation.Config.
func (c *Config) ValidatorConfig() validation.Config {
	v := c.Validation
	return validation.Config{
		Canonicalization:      v.canonical(),
		Types:                 v.Types,
		DisableDefaultTypes:   v.DisableDefaultTypes,
		AllowMultipleEncoding: v.AllowMultipleEncoding,
		AllowedExtensions:     v.AllowedExtensions,
		MaxUploadSize:         v.MaxUploadSize,
		HTMLPolicy:            v.HTMLPolicy,
	}
}

// LoggerConfig converts the logging section into logging.Config.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Pretty: c.Logging.Pretty,
	}
}

// TelemetryProviderConfig converts the telemetry section into telemetry.Config.
func (c *Config) TelemetryProviderConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: c.Telemetry.ServiceName,
		Endpoint:    c.Telemetry.OTLPEndpoint,
		Environment: c.Telemetry.Environment,
		Insecure:    c.Telemetry.Insecure,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}
