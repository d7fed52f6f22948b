// Package config provides configuration management for the gateway.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server port, account
// storage, routing overrides, debug settings, and proxy configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// AccountFile is the path of the JSON document holding the account pool.
	AccountFile string `yaml:"account-file"`

	// AccountStore selects the pool persistence backend: "file" or "bolt".
	AccountStore string `yaml:"account-store"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches the process log from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// EndpointBase overrides the backend endpoint. Empty means the default.
	EndpointBase string `yaml:"endpoint-base"`

	// FallbackModel is returned for unrecognized model identifiers.
	FallbackModel string `yaml:"fallback-model"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// RequestRetry caps how many accounts a single request may rotate through.
	// Zero means every account in the pool.
	RequestRetry int `yaml:"request-retry"`

	// Routes resolves model identifiers before catalog lookup. Order matters:
	// earlier wildcard entries win.
	Routes []Route `yaml:"routes"`

	// ManagementKey protects the management endpoints, stored as a bcrypt hash.
	ManagementKey string `yaml:"management-key"`
}

// Route maps a model identifier pattern onto a catalog target. A pattern is
// an exact identifier, a single-sided wildcard like "prefix-*" or "*-suffix",
// or the bare "*" catch-all.
type Route struct {
	// Pattern is the identifier or wildcard pattern to match against.
	Pattern string `yaml:"pattern"`

	// Target is the catalog identifier requests are rewritten to.
	Target string `yaml:"target"`
}

// LoadConfig reads a YAML configuration file from the given path, parses it,
// and applies defaults for any omitted fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes the configuration back to disk as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.AccountFile == "" {
		c.AccountFile = "accounts.json"
	}
	if c.AccountStore == "" {
		c.AccountStore = "file"
	}
}
