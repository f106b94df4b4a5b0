// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for missing or malformed values.
// It runs all section validators and returns the first failure.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateAppMetrica,
		c.validateUpdate,
		c.validateState,
		c.validateDatabase,
		c.validateServer,
	}

	for _, validator := range validators {
		if err := validator(); err != nil {
			return err
		}
	}

	return nil
}

// validateAppMetrica checks Logs API connection settings.
func (c *Config) validateAppMetrica() error {
	if c.AppMetrica.Token == "" {
		return fmt.Errorf("appmetrica: TOKEN is required")
	}

	if len(c.AppMetrica.AppIDs) == 0 {
		return fmt.Errorf("appmetrica: APP_IDS must list at least one application id")
	}
	for _, id := range c.AppMetrica.AppIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("appmetrica: APP_IDS contains an empty application id")
		}
	}

	parsed, err := url.Parse(c.AppMetrica.Host)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("appmetrica: LOGS_API_HOST %q is not a valid URL", c.AppMetrica.Host)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("appmetrica: LOGS_API_HOST scheme must be http or https, got %q", parsed.Scheme)
	}

	if c.AppMetrica.RequestTimeout <= 0 {
		return fmt.Errorf("appmetrica: request_timeout must be positive")
	}

	return nil
}

// validateUpdate checks the incremental-update engine settings.
func (c *Config) validateUpdate() error {
	if c.Update.LimitDays < 0 {
		return fmt.Errorf("update: limit_days must not be negative, got %d", c.Update.LimitDays)
	}
	if c.Update.Interval <= 0 {
		return fmt.Errorf("update: interval must be positive, got %s", c.Update.Interval)
	}
	if c.Update.FreshLimitDays <= 0 {
		return fmt.Errorf("update: fresh_limit_days must be positive, got %d", c.Update.FreshLimitDays)
	}
	if c.Update.MaxParts < 1 {
		return fmt.Errorf("update: max_parts must be at least 1, got %d", c.Update.MaxParts)
	}
	// The loader doubles the division count; a power of two means the cap
	// is exactly reachable instead of being overshot.
	if c.Update.MaxParts&(c.Update.MaxParts-1) != 0 {
		return fmt.Errorf("update: max_parts must be a power of two, got %d", c.Update.MaxParts)
	}
	return nil
}

// validateState checks state persistence settings.
func (c *Config) validateState() error {
	if c.State.Path == "" {
		return fmt.Errorf("state: path is required")
	}
	return nil
}

// validateDatabase checks DuckDB settings.
func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database: path is required")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("database: threads must not be negative, got %d", c.Database.Threads)
	}
	return nil
}

// validateServer checks HTTP server settings.
func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server: timeout must be positive, got %s", c.Server.Timeout)
	}
	return nil
}
