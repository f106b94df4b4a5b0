// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package config manages application configuration for Logpump.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//
//  1. Environment variables (TOKEN, APP_IDS, UPDATE_INTERVAL, ...)
//  2. Optional YAML config file (config.yaml, CONFIG_PATH override)
//  3. Built-in defaults
//
// Categories:
//
//  1. Data source:
//     - AppMetrica: Logs API host, OAuth token, tracked applications,
//       tracked event names and enabled export sources
//
//  2. Update engine:
//     - Update: rolling window length, minimum re-load spacing, archive
//       age and the division-count ceiling for oversized requests
//
//  3. Infrastructure:
//     - State: persisted scheduling-state file location
//     - Database: DuckDB configuration (path, memory, threads)
//     - Server: HTTP server for health, status and metrics
//
//  4. Observability:
//     - Logging: log level and output format
//
// Example:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    logging.Fatal().Err(err).Msg("Failed to load configuration")
//	}
//	db, err := database.New(&cfg.Database, defs)
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	AppMetrica AppMetricaConfig `koanf:"appmetrica"`
	Update     UpdateConfig     `koanf:"update"`
	State      StateConfig      `koanf:"state"`
	Database   DatabaseConfig   `koanf:"database"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// AppMetricaConfig holds Logs API connection settings and the set of
// tracked applications, events and sources.
type AppMetricaConfig struct {
	// Host is the Logs API base URL.
	Host string `koanf:"host"`

	// Token is the OAuth token used for every Logs API request. Required.
	Token string `koanf:"token"`

	// AppIDs lists the tracked application identifiers, in the order the
	// scheduler visits them. At least one is required.
	AppIDs []string `koanf:"app_ids"`

	// EventNames lists the tracked event names. Empty means no per-event
	// loads are scheduled; only date-ignored sources are pulled.
	EventNames []string `koanf:"event_names"`

	// Sources restricts which export sources are pulled. Empty means all
	// sources known to the registry.
	Sources []string `koanf:"sources"`

	// RequestTimeout bounds a single Logs API HTTP request.
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// AllowCached permits the API to serve cached export reports. When
	// false, requests carry Cache-Control: no-cache.
	AllowCached bool `koanf:"allow_cached"`
}

// UpdateConfig holds the incremental-update engine settings.
type UpdateConfig struct {
	// LimitDays is how far back, in days, the rolling update window
	// extends from the cycle start date.
	LimitDays int `koanf:"limit_days"`

	// Interval is the minimum spacing between (re)loads of the same date
	// and between consecutive cycles.
	Interval time.Duration `koanf:"interval"`

	// FreshLimitDays is the age, in days past a date's end-of-day, after
	// which upstream data for that date is assumed immutable and the date
	// is archived.
	FreshLimitDays int `koanf:"fresh_limit_days"`

	// MaxParts caps the division count the adaptive loader may reach when
	// the API keeps rejecting requests as too large.
	MaxParts int `koanf:"max_parts"`
}

// Limit returns the rolling window length as a duration.
func (c *UpdateConfig) Limit() time.Duration {
	return time.Duration(c.LimitDays) * 24 * time.Hour
}

// FreshLimit returns the archive age as a duration.
func (c *UpdateConfig) FreshLimit() time.Duration {
	return time.Duration(c.FreshLimitDays) * 24 * time.Hour
}

// StateConfig holds scheduling-state persistence settings.
type StateConfig struct {
	// Path is the JSON state file location.
	Path string `koanf:"path"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	// Path is the DuckDB database file location.
	Path string `koanf:"path"`

	// MaxMemory is the DuckDB memory limit (e.g. "2GB").
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB thread count. 0 means runtime.NumCPU().
	Threads int `koanf:"threads"`

	// PreserveInsertionOrder keeps DuckDB's default row ordering. Turning
	// it off reduces memory usage for large loads.
	PreserveInsertionOrder bool `koanf:"preserve_insertion_order"`
}

// ServerConfig holds the HTTP server settings for the health, status and
// metrics endpoints.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Load loads and validates the full configuration. It is the single entry
// point used by main().
func Load() (*Config, error) {
	return LoadWithKoanf()
}
