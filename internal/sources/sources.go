// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package sources is the registry of AppMetrica Logs API export sources:
// which fields each source pulls, whether it carries a date dimension, and
// how raw rows are normalized before they reach the database.
package sources

import (
	"fmt"
	"strings"
	"time"
)

// Row is one decoded Logs API record, field name to raw value.
type Row = map[string]any

// System columns appended to every row at load time.
const (
	AppIDColumn    = "app_id"
	LoadTimeColumn = "load_datetime"
)

// Date dimension names understood by the Logs API date_dimension parameter.
const (
	DateDimensionDefault = "default"
	DateDimensionReceive = "receive"
)

// LoadingDefinition describes how a source is pulled from the Logs API.
type LoadingDefinition struct {
	// SourceName is the export name in the request path
	// (/logs/v1/export/{SourceName}.json).
	SourceName string

	// Fields is the requested field list, in request order.
	Fields []string

	// DateDimension selects which timestamp the date_since/date_until bounds
	// filter on. Empty for date-ignored sources, which are pulled without
	// bounds.
	DateDimension string
}

// Converter derives or rewrites one field of a row after type coercion.
type Converter struct {
	// Field is the column the converted value is stored under. It may be a
	// new derived column or an existing field being normalized in place.
	Field string

	Convert func(Row) any
}

// ProcessingDefinition describes row normalization for a source.
type ProcessingDefinition struct {
	// IntegerColumns are coerced to int64; missing or malformed values
	// become zero.
	IntegerColumns []string

	Converters []Converter
}

// IsInteger reports whether the named column is integer-typed.
func (p ProcessingDefinition) IsInteger(name string) bool {
	for _, c := range p.IntegerColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Definition is one registered source.
type Definition struct {
	// Name is the configuration and table name of the source.
	Name string

	// DateRequired sources are loaded per calendar date and participate in
	// the archive lifecycle. Date-ignored sources are reloaded wholesale
	// each cycle.
	DateRequired bool

	// PerEvent sources are loaded once per configured event name.
	PerEvent bool

	// DateColumn is the derived calendar-date column rows are partitioned
	// by in the destination. Empty for date-ignored sources.
	DateColumn string

	Loading    LoadingDefinition
	Processing ProcessingDefinition
}

// Columns returns the full destination column set for the source: requested
// fields, converter-derived columns, then the system columns. The order is
// deterministic and matches what the loader emits.
func (d Definition) Columns() []string {
	cols := make([]string, 0, len(d.Loading.Fields)+len(d.Processing.Converters)+2)
	seen := make(map[string]bool, cap(cols))
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			cols = append(cols, name)
		}
	}
	for _, f := range d.Loading.Fields {
		add(f)
	}
	for _, c := range d.Processing.Converters {
		add(c.Field)
	}
	add(AppIDColumn)
	add(LoadTimeColumn)
	return cols
}

// dateFromUnix converts a unix-seconds field into a YYYY-MM-DD string, or
// nil when the field is absent or malformed.
func dateFromUnix(field string) func(Row) any {
	return func(r Row) any {
		ts, ok := AsInt64(r[field])
		if !ok || ts <= 0 {
			return nil
		}
		return time.Unix(ts, 0).UTC().Format("2006-01-02")
	}
}

// normalizeLower lowercases a string field in place, for fields the API
// returns with inconsistent casing across SDK versions.
func normalizeLower(field string) func(Row) any {
	return func(r Row) any {
		s, ok := r[field].(string)
		if !ok {
			return r[field]
		}
		return strings.ToLower(s)
	}
}

// AsInt64 coerces the numeric shapes the JSON decoder can produce.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		var out int64
		if _, err := fmt.Sscanf(n, "%d", &out); err != nil {
			return 0, false
		}
		return out, true
	default:
		return 0, false
	}
}

// registry holds the known sources in canonical order.
var registry = []Definition{
	{
		Name:         "events",
		DateRequired: true,
		DateColumn:   "event_date",
		PerEvent:     true,
		Loading: LoadingDefinition{
			SourceName: "events",
			Fields: []string{
				"event_name", "event_timestamp", "event_receive_timestamp",
				"session_id", "appmetrica_device_id", "profile_id",
				"device_manufacturer", "device_model", "device_type",
				"os_name", "os_version", "device_locale",
				"country_iso_code", "city", "connection_type",
				"operator_name", "mcc", "mnc",
				"app_version_name", "app_package_name", "app_build_number",
			},
			DateDimension: DateDimensionDefault,
		},
		Processing: ProcessingDefinition{
			IntegerColumns: []string{
				"event_timestamp", "event_receive_timestamp", "session_id",
				"mcc", "mnc", "app_build_number",
			},
			Converters: []Converter{
				{Field: "event_date", Convert: dateFromUnix("event_timestamp")},
				{Field: "os_name", Convert: normalizeLower("os_name")},
			},
		},
	},
	{
		Name:         "installations",
		DateRequired: true,
		DateColumn:   "install_date",
		Loading: LoadingDefinition{
			SourceName: "installations",
			Fields: []string{
				"install_timestamp", "install_receive_timestamp",
				"appmetrica_device_id", "device_manufacturer", "device_model",
				"device_type", "os_name", "os_version", "device_locale",
				"country_iso_code", "city", "is_reinstallation", "match_type",
				"app_version_name", "app_package_name",
			},
			DateDimension: DateDimensionDefault,
		},
		Processing: ProcessingDefinition{
			IntegerColumns: []string{
				"install_timestamp", "install_receive_timestamp",
			},
			Converters: []Converter{
				{Field: "install_date", Convert: dateFromUnix("install_timestamp")},
				{Field: "os_name", Convert: normalizeLower("os_name")},
			},
		},
	},
	{
		Name:         "crashes",
		DateRequired: true,
		DateColumn:   "crash_date",
		Loading: LoadingDefinition{
			SourceName: "crashes",
			Fields: []string{
				"crash_id", "crash_group_id", "crash_name", "crash_timestamp",
				"crash_receive_timestamp", "appmetrica_device_id",
				"device_manufacturer", "device_model", "os_name", "os_version",
				"app_version_name", "app_package_name",
			},
			DateDimension: DateDimensionDefault,
		},
		Processing: ProcessingDefinition{
			IntegerColumns: []string{
				"crash_timestamp", "crash_receive_timestamp",
			},
			Converters: []Converter{
				{Field: "crash_date", Convert: dateFromUnix("crash_timestamp")},
				{Field: "os_name", Convert: normalizeLower("os_name")},
			},
		},
	},
	{
		Name: "profiles",
		Loading: LoadingDefinition{
			SourceName: "profiles",
			Fields: []string{
				"profile_id", "appmetrica_device_id", "appmetrica_gender",
				"appmetrica_birth_date", "appmetrica_notifications_enabled",
				"device_manufacturer", "device_model", "device_type",
				"os_name", "os_version", "country_iso_code", "city",
				"app_version_name",
			},
		},
		Processing: ProcessingDefinition{
			Converters: []Converter{
				{Field: "os_name", Convert: normalizeLower("os_name")},
			},
		},
	},
}

// Names returns the names of all registered sources in canonical order.
func Names() []string {
	names := make([]string, len(registry))
	for i, d := range registry {
		names[i] = d.Name
	}
	return names
}

// Collection is the set of sources enabled for one Logpump instance.
type Collection struct {
	defs []Definition
}

// NewCollection resolves the configured source names against the registry.
// An empty list enables every registered source, in canonical order; an
// explicit list keeps its own order.
func NewCollection(enabled []string) (*Collection, error) {
	if len(enabled) == 0 {
		defs := make([]Definition, len(registry))
		copy(defs, registry)
		return &Collection{defs: defs}, nil
	}

	defs := make([]Definition, 0, len(enabled))
	for _, name := range enabled {
		def, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown source %q (known: %s)",
				name, strings.Join(Names(), ", "))
		}
		defs = append(defs, def)
	}
	return &Collection{defs: defs}, nil
}

func lookup(name string) (Definition, bool) {
	for _, d := range registry {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}

// All returns every enabled source in order.
func (c *Collection) All() []Definition {
	return c.defs
}

// DateRequired returns the enabled sources loaded per calendar date.
func (c *Collection) DateRequired() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		if d.DateRequired {
			out = append(out, d)
		}
	}
	return out
}

// DateIgnored returns the enabled sources reloaded wholesale each cycle.
func (c *Collection) DateIgnored() []Definition {
	out := make([]Definition, 0, len(c.defs))
	for _, d := range c.defs {
		if !d.DateRequired {
			out = append(out, d)
		}
	}
	return out
}

// Definition returns the enabled source with the given name.
func (c *Collection) Definition(name string) (Definition, error) {
	for _, d := range c.defs {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("source %q is not enabled", name)
}
