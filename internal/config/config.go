// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

/*
config.go - Layered Configuration

Koanf v2 loads three layers in increasing precedence: struct defaults,
an optional YAML file, then FEEDBRIDGE_-prefixed environment variables.
Nested sections use a double underscore in the variable name:

	FEEDBRIDGE_SERVER__PORT=8080        -> server.port
	FEEDBRIDGE_RECORD_STORE__API_KEY=.. -> record_store.api_key

The loaded Config is validated fail-fast at startup; a config that
cannot back the enabled integrations never reaches them.
*/

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/feedbridge/feedbridge/internal/integrations/listingfeed"
	"github.com/feedbridge/feedbridge/internal/integrations/recordstore"
	"github.com/feedbridge/feedbridge/internal/validation"
)

// DefaultConfigPaths lists where the config file is searched, first
// match wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/feedbridge/config.yaml",
	"/etc/feedbridge/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "FEEDBRIDGE_CONFIG"

// envPrefix scopes which environment variables the loader reads.
const envPrefix = "FEEDBRIDGE_"

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig       `koanf:"server"`
	Logging     LoggingConfig      `koanf:"logging"`
	State       StateConfig        `koanf:"state"`
	Sync        SyncConfig         `koanf:"sync"`
	Webhooks    WebhooksConfig     `koanf:"webhooks"`
	RecordStore recordstore.Config `koanf:"record_store"`
	ListingFeed listingfeed.Config `koanf:"listing_feed"`
}

// ServerConfig configures the operational HTTP API.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	Timeout         time.Duration `koanf:"timeout"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig configures the zerolog global logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StateConfig locates the durable state database.
type StateConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// SyncConfig drives the sync coordinators.
type SyncConfig struct {
	Interval time.Duration `koanf:"interval"`
}

// WebhooksConfig configures the inbound webhook surface.
type WebhooksConfig struct {
	// Secret, when set, requires an HMAC-SHA256 signature on inbound
	// webhook requests.
	Secret string `koanf:"secret"`
}

// defaultConfig holds the values a bare process starts with.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8264,
			Timeout:         30 * time.Second,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		State: StateConfig{
			Path: "/data/feedbridge/state",
		},
		Sync: SyncConfig{
			Interval: 5 * time.Minute,
		},
	}
}

// Load builds the configuration from defaults, file, and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration. Integration sections are
// only validated when enabled so a single-integration deployment does
// not have to stub credentials for the other.
func (c *Config) Validate() error {
	if err := validation.Struct(c.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validation.Struct(c.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := validation.Struct(c.State); err != nil {
		return fmt.Errorf("state: %w", err)
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("sync: interval must not be negative")
	}

	if c.RecordStore.Enabled {
		if err := validation.Struct(c.RecordStore); err != nil {
			return fmt.Errorf("record_store: %w", err)
		}
	}
	if c.ListingFeed.Enabled {
		if err := validation.Struct(c.ListingFeed); err != nil {
			return fmt.Errorf("listing_feed: %w", err)
		}
	}

	if !c.RecordStore.Enabled && !c.ListingFeed.Enabled {
		return fmt.Errorf("no integration enabled")
	}
	return nil
}

// findConfigFile resolves the config file path, env override first.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps FEEDBRIDGE_SECTION__SUB_KEY to section.sub_key.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}
