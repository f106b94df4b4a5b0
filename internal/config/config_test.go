// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

package config

import (
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration that passes Validate, for tests to
// break one field at a time.
func validConfig() *Config {
	cfg := defaultConfig()
	cfg.AppMetrica.Token = "test-token"
	cfg.AppMetrica.AppIDs = []string{"1111"}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.AppMetrica.Host != "https://api.appmetrica.yandex.ru" {
		t.Errorf("unexpected default host: %q", cfg.AppMetrica.Host)
	}
	if cfg.Update.LimitDays != 30 {
		t.Errorf("expected default limit_days 30, got %d", cfg.Update.LimitDays)
	}
	if cfg.Update.Interval != 12*time.Hour {
		t.Errorf("expected default interval 12h, got %s", cfg.Update.Interval)
	}
	if cfg.Update.FreshLimitDays != 7 {
		t.Errorf("expected default fresh_limit_days 7, got %d", cfg.Update.FreshLimitDays)
	}
	if cfg.Update.MaxParts != 1024 {
		t.Errorf("expected default max_parts 1024, got %d", cfg.Update.MaxParts)
	}
}

func TestUpdateConfigDurations(t *testing.T) {
	cfg := UpdateConfig{LimitDays: 2, FreshLimitDays: 3}

	if got := cfg.Limit(); got != 48*time.Hour {
		t.Errorf("Limit() = %s, want 48h", got)
	}
	if got := cfg.FreshLimit(); got != 72*time.Hour {
		t.Errorf("FreshLimit() = %s, want 72h", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config passes",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.AppMetrica.Token = "" },
			wantErr: "TOKEN is required",
		},
		{
			name:    "no app ids",
			mutate:  func(c *Config) { c.AppMetrica.AppIDs = nil },
			wantErr: "at least one application id",
		},
		{
			name:    "blank app id",
			mutate:  func(c *Config) { c.AppMetrica.AppIDs = []string{"1111", "  "} },
			wantErr: "empty application id",
		},
		{
			name:    "bad host",
			mutate:  func(c *Config) { c.AppMetrica.Host = "not a url" },
			wantErr: "not a valid URL",
		},
		{
			name:    "bad host scheme",
			mutate:  func(c *Config) { c.AppMetrica.Host = "ftp://api.example.com" },
			wantErr: "scheme must be http or https",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Update.Interval = 0 },
			wantErr: "interval must be positive",
		},
		{
			name:    "negative limit days",
			mutate:  func(c *Config) { c.Update.LimitDays = -1 },
			wantErr: "limit_days must not be negative",
		},
		{
			name:    "zero fresh limit",
			mutate:  func(c *Config) { c.Update.FreshLimitDays = 0 },
			wantErr: "fresh_limit_days must be positive",
		},
		{
			name:    "max parts not a power of two",
			mutate:  func(c *Config) { c.Update.MaxParts = 1000 },
			wantErr: "power of two",
		},
		{
			name:    "empty state path",
			mutate:  func(c *Config) { c.State.Path = "" },
			wantErr: "state: path is required",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database: path is required",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "port must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"TOKEN", "appmetrica.token"},
		{"APP_IDS", "appmetrica.app_ids"},
		{"EVENT_NAMES", "appmetrica.event_names"},
		{"SOURCES", "appmetrica.sources"},
		{"LOGS_API_HOST", "appmetrica.host"},
		{"ALLOW_CACHED", "appmetrica.allow_cached"},
		{"UPDATE_LIMIT", "update.limit_days"},
		{"UPDATE_INTERVAL", "update.interval"},
		{"UPDATE_FRESH_LIMIT", "update.fresh_limit_days"},
		{"UPDATE_MAX_PARTS", "update.max_parts"},
		{"STATE_FILE_PATH", "state.path"},
		{"DUCKDB_PATH", "database.path"},
		{"HTTP_PORT", "server.port"},
		{"LOG_LEVEL", "logging.level"},
		{"SOME_RANDOM_VAR", ""},
		{"PATH", ""},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			if got := envTransformFunc(tt.env); got != tt.want {
				t.Errorf("envTransformFunc(%q) = %q, want %q", tt.env, got, tt.want)
			}
		})
	}
}

func TestLoadWithKoanfFromEnv(t *testing.T) {
	t.Setenv("TOKEN", "env-token")
	t.Setenv("APP_IDS", "1111, 2222")
	t.Setenv("EVENT_NAMES", "purchase,signup")
	t.Setenv("UPDATE_INTERVAL", "6h")
	t.Setenv("UPDATE_LIMIT", "2")
	t.Setenv("STATE_FILE_PATH", "/tmp/state.json")
	t.Setenv("CONFIG_PATH", "/nonexistent/config.yaml")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf failed: %v", err)
	}

	if cfg.AppMetrica.Token != "env-token" {
		t.Errorf("token not loaded from env: %q", cfg.AppMetrica.Token)
	}
	if len(cfg.AppMetrica.AppIDs) != 2 || cfg.AppMetrica.AppIDs[0] != "1111" || cfg.AppMetrica.AppIDs[1] != "2222" {
		t.Errorf("app ids not split from comma list: %v", cfg.AppMetrica.AppIDs)
	}
	if len(cfg.AppMetrica.EventNames) != 2 {
		t.Errorf("event names not split from comma list: %v", cfg.AppMetrica.EventNames)
	}
	if cfg.Update.Interval != 6*time.Hour {
		t.Errorf("interval not loaded from env: %s", cfg.Update.Interval)
	}
	if cfg.Update.LimitDays != 2 {
		t.Errorf("limit_days not loaded from env: %d", cfg.Update.LimitDays)
	}
	if cfg.State.Path != "/tmp/state.json" {
		t.Errorf("state path not loaded from env: %q", cfg.State.Path)
	}
	// Untouched sections keep defaults
	if cfg.Database.MaxMemory != "2GB" {
		t.Errorf("database defaults lost: %q", cfg.Database.MaxMemory)
	}
}

func TestLoadWithKoanfMissingRequired(t *testing.T) {
	t.Setenv("TOKEN", "")
	t.Setenv("APP_IDS", "")
	t.Setenv("CONFIG_PATH", "/nonexistent/config.yaml")

	if _, err := LoadWithKoanf(); err == nil {
		t.Fatal("expected validation error with no token or app ids")
	}
}
