package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models shopfloor.yml.
type Config struct {
	Server struct {
		Addr                      string `yaml:"addr"`
		BasePath                  string `yaml:"base_path"`
		JWTSecret                 string `yaml:"jwt_secret"`
		AllowLegacyOperatorHeader bool   `yaml:"allow_legacy_operator_header"`
	} `yaml:"server"`
	Notifier struct {
		LifecycleURL   string `yaml:"lifecycle_url"`
		ReserveURL     string `yaml:"reserve_url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notifier"`
	Maintenance struct {
		LookaheadDays int    `yaml:"lookahead_days"`
		ScanCron      string `yaml:"scan_cron"`
	} `yaml:"maintenance"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "shopfloor.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8090"
	cfg.Server.BasePath = "/api/v1"
	cfg.Server.AllowLegacyOperatorHeader = true
	cfg.Notifier.TimeoutSeconds = 5
	cfg.Maintenance.LookaheadDays = 7
	cfg.Maintenance.ScanCron = "0 * * * *"
	return &cfg
}

// Load reads config from workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// fields keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Notifier.TimeoutSeconds < 0 {
		return fmt.Errorf("config.notifier.timeout_seconds must not be negative")
	}
	if c.Maintenance.LookaheadDays < 0 {
		return fmt.Errorf("config.maintenance.lookahead_days must not be negative")
	}
	return nil
}
