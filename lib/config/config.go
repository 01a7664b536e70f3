// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for slackrtm binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - the SLACKRTM_CONFIG environment variable, or
//   - the --config flag passed to the command.
//
// There are no fallbacks or automatic discovery. The API token may
// additionally be supplied through the SLACK_TOKEN environment
// variable, which overrides the file value — tokens in environment
// variables stay out of on-disk config that tends to get committed.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath is the environment variable naming the config file.
const EnvConfigPath = "SLACKRTM_CONFIG"

// EnvToken is the environment variable overriding the API token.
const EnvToken = "SLACK_TOKEN"

// Config holds the client configuration.
type Config struct {
	// Token is the Slack API token used for the bootstrap call and
	// the REST facade.
	Token string `yaml:"token"`

	// APIURL overrides the REST endpoint base URL. Empty means the
	// production Slack API.
	APIURL string `yaml:"api_url,omitempty"`

	// KeepaliveInterval is the cadence of the ping keepalive on the
	// RTM stream, in time.ParseDuration syntax ("30s", "1m"). Empty
	// means the default (30s).
	KeepaliveInterval string `yaml:"keepalive_interval,omitempty"`

	// LogLevel is one of "debug", "info", "warn", "error".
	// Empty means "info".
	LogLevel string `yaml:"log_level,omitempty"`
}

// Load reads the configuration. flagPath is the value of the --config
// flag; if empty, the SLACKRTM_CONFIG environment variable is
// consulted. A missing path is an error only when no token arrives
// through the environment — a token-only environment needs no file.
func Load(flagPath string) (*Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if token := os.Getenv(EnvToken); token != "" {
		cfg.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Keepalive returns the parsed keepalive interval, or zero when the
// field is empty. Validate has already checked the syntax.
func (c *Config) Keepalive() time.Duration {
	if c.KeepaliveInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.KeepaliveInterval)
	if err != nil {
		return 0
	}
	return d
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("config: token is required (set %s, the token field, or --token)", EnvToken)
	}
	if c.KeepaliveInterval != "" {
		d, err := time.ParseDuration(c.KeepaliveInterval)
		if err != nil {
			return fmt.Errorf("config: parsing keepalive_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("config: keepalive_interval must be positive")
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
