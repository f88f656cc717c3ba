package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const defaultPolicySizeLimit int64 = 1 << 20

// PolicyFile points at a Rego module on disk.
type PolicyFile struct {
	Path string `yaml:"path" json:"path" toml:"path" validate:"required"`
	// Name keys the module in the engine. Defaults to the file's base name.
	Name string `yaml:"name" json:"name" toml:"name"`
	// SHA256 pins the file content when set (hex, optional "sha256:" prefix).
	SHA256    string `yaml:"sha256" json:"sha256" toml:"sha256"`
	SizeLimit int64  `yaml:"size_limit" json:"size_limit" toml:"size_limit" validate:"gte=0"`
}

func (f PolicyFile) moduleName() string {
	if name := strings.TrimSpace(f.Name); name != "" {
		return name
	}
	return filepath.Base(f.Path)
}

func (f PolicyFile) sizeLimit() int64 {
	if f.SizeLimit > 0 {
		return f.SizeLimit
	}
	return defaultPolicySizeLimit
}

// ResolvedPolicyPaths returns the absolute paths of the policy files,
// relative paths being taken from the config file's directory.
func (c *Config) ResolvedPolicyPaths() []string {
	paths := make([]string, 0, len(c.PolicyFiles))
	for _, f := range c.PolicyFiles {
		paths = append(paths, c.resolve(f.Path))
	}
	return paths
}

func (c *Config) resolve(path string) string {
	if !filepath.IsAbs(path) && c.Path != "" {
		path = filepath.Join(filepath.Dir(c.Path), path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

func (c *Config) loadPolicyFiles() error {
	if len(c.PolicyFiles) == 0 {
		return nil
	}
	if c.Pipeline.Policy.Modules == nil {
		c.Pipeline.Policy.Modules = make(map[string]string, len(c.PolicyFiles))
	}

	for _, f := range c.PolicyFiles {
		name := f.moduleName()
		if _, exists := c.Pipeline.Policy.Modules[name]; exists {
			return fmt.Errorf("policy file %s: duplicate module name %q", f.Path, name)
		}
		data, err := readPolicyFile(c.resolve(f.Path), f.sizeLimit(), f.SHA256)
		if err != nil {
			return fmt.Errorf("policy file %s: %w", f.Path, err)
		}
		c.Pipeline.Policy.Modules[name] = string(data)
	}
	return nil
}

func readPolicyFile(path string, limit int64, expectedDigest string) ([]byte, error) {
	file, err := os.Open(path) //nolint:gosec // policy paths come from operator configuration
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("policy file is empty")
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("policy file exceeds size limit (%d bytes)", limit)
	}

	data, err := io.ReadAll(io.LimitReader(file, limit))
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}

	if err := verifyDigest(expectedDigest, computeSHA256Hex(data)); err != nil {
		return nil, err
	}
	return data, nil
}

func computeSHA256Hex(data []byte) string {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:])
}

func verifyDigest(expected, actual string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	normalized := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(expected)), "sha256:")
	if normalized != actual {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", normalized, actual)
	}
	return nil
}
