// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
}

const minimalYAML = `
record_store:
  enabled: true
  base_url: https://api.example.com
  api_key: key-123
  base_id: base1
`

func TestLoadDefaults(t *testing.T) {
	writeConfigFile(t, minimalYAML)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8264 {
		t.Errorf("Unexpected default port %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.State.Path != "/data/feedbridge/state" {
		t.Errorf("Unexpected state path %q", cfg.State.Path)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Unexpected sync interval %v", cfg.Sync.Interval)
	}
	if !cfg.RecordStore.Enabled || cfg.RecordStore.APIKey != "key-123" {
		t.Errorf("Record store section not loaded: %+v", cfg.RecordStore)
	}
}

func TestFileOverridesDefaults(t *testing.T) {
	writeConfigFile(t, minimalYAML+`
server:
  port: 9000
logging:
  level: debug
  format: console
sync:
  interval: 30s
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("File port override lost: %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("File logging override lost: %+v", cfg.Logging)
	}
	if cfg.Sync.Interval != 30*time.Second {
		t.Errorf("File interval override lost: %v", cfg.Sync.Interval)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	writeConfigFile(t, minimalYAML+`
server:
  port: 9000
`)
	t.Setenv("FEEDBRIDGE_SERVER__PORT", "9100")
	t.Setenv("FEEDBRIDGE_LOGGING__LEVEL", "warn")
	t.Setenv("FEEDBRIDGE_RECORD_STORE__API_KEY", "env-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Env port override lost: %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Env logging override lost: %q", cfg.Logging.Level)
	}
	if cfg.RecordStore.APIKey != "env-key" {
		t.Errorf("Env nested override lost: %q", cfg.RecordStore.APIKey)
	}
}

func TestEnvTransform(t *testing.T) {
	cases := map[string]string{
		"FEEDBRIDGE_SERVER__PORT":           "server.port",
		"FEEDBRIDGE_RECORD_STORE__API_KEY":  "record_store.api_key",
		"FEEDBRIDGE_LISTING_FEED__BASE_URL": "listing_feed.base_url",
		"FEEDBRIDGE_SYNC__INTERVAL":         "sync.interval",
	}
	for in, want := range cases {
		if got := envTransform(in); got != want {
			t.Errorf("envTransform(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateRejectsNoIntegration(t *testing.T) {
	writeConfigFile(t, `
logging:
  level: info
`)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "no integration enabled") {
		t.Errorf("Expected no-integration error, got %v", err)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	writeConfigFile(t, minimalYAML+`
logging:
  level: loud
`)
	if _, err := Load(); err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestValidateRejectsIncompleteIntegration(t *testing.T) {
	writeConfigFile(t, `
record_store:
  enabled: true
  base_url: https://api.example.com
`)
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "record_store") {
		t.Errorf("Expected record_store validation failure, got %v", err)
	}
}

func TestDisabledIntegrationSkipsValidation(t *testing.T) {
	// The listing feed section is incomplete but disabled, which must
	// not fail a record-store-only deployment.
	writeConfigFile(t, minimalYAML+`
listing_feed:
  enabled: false
  base_url: https://feed.example.com
`)
	if _, err := Load(); err != nil {
		t.Errorf("Disabled section should not be validated: %v", err)
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	writeConfigFile(t, minimalYAML+`
server:
  port: 70000
`)
	if _, err := Load(); err == nil {
		t.Error("Expected error for out-of-range port")
	}
}
