// Package main is the entry point for the polis-guard binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/polisai/polis-guard/pkg/config"
	"github.com/polisai/polis-guard/pkg/firewall"
	"github.com/polisai/polis-guard/pkg/logging"
	"github.com/polisai/polis-guard/pkg/validation"
)

const (
	defaultConfigPath = "guard.yaml"
	defaultEnvFile    = ".env"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	ConfigPath string
	EnvFile    string
	LogLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-guard.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-guard",
		Short: "Input validation firewall for HTTP services",
		Long: `polis-guard canonicalizes and validates every parameter, cookie and header
of incoming requests against whitelist types, then runs an ordered rule
pipeline that allows, logs, blocks or redirects each request.

Example:
  polis-guard serve --config guard.yaml
  polis-guard validate input Email alice@example.com`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(opts.EnvFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "Path to configuration file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", defaultEnvFile, "Optional dotenv file loaded before the configuration")
	rootCmd.PersistentFlags().StringVarP(&opts.LogLevel, "log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newValidateCmd(opts),
		newCheckConfigCmd(opts),
	)
	return rootCmd
}

// loadEnvFile loads a dotenv file. A missing file is not an error; variables
// already set in the environment win.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return cfg, nil
}

// guard bundles the objects built from one configuration.
type guard struct {
	validator *validation.Validator
	pipeline  *firewall.Pipeline
}

// buildGuard constructs the validator and pipeline for cfg.
func buildGuard(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*guard, error) {
	v, err := validation.New(cfg.ValidatorConfig(), validation.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("validator: %w", err)
	}

	pipeline, err := firewall.NewFromConfig(ctx, cfg.Pipeline, firewall.Dependencies{
		Validator: v,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &guard{validator: v, pipeline: pipeline}, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	lc := cfg.LoggerConfig()
	lc.Output = os.Stderr
	return logging.NewLogger(lc)
}
