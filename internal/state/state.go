// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package state models the persisted incremental-update history: which
// calendar dates have been loaded for which application and event, and which
// dates are permanently archived.
//
// The scheduler is the exclusive owner of a GlobalState for the duration of
// a cycle: it loads the state wholesale, mutates it in memory and persists
// it through a Store after every mutation. No other component writes state.
//
// A date record is an explicit tri-state (unloaded, loaded-at, archived)
// rather than a magic far-future timestamp. State files written by the
// legacy importer, which encoded "archived" as a year-3000 timestamp, are
// still readable: the sentinel is recognized on decode and never written
// back.
package state

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// DateKeyFormat is the calendar-date key layout used in date_updates maps.
const DateKeyFormat = "2006-01-02"

// legacySentinelYear marks the first year treated as the legacy ARCHIVED
// sentinel (the original tool wrote datetime(3000, 1, 1)).
const legacySentinelYear = 3000

// Status is the load status of one (event, date) entry.
type Status int

const (
	// StatusUnloaded means the date has never been loaded.
	StatusUnloaded Status = iota

	// StatusLoaded means the date was loaded at DateRecord.LoadedAt and is
	// still eligible for re-loads until archived.
	StatusLoaded

	// StatusArchived means the date is permanently closed. Archived entries
	// are never cleared or overwritten.
	StatusArchived
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusLoaded:
		return "loaded"
	case StatusArchived:
		return "archived"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DateRecord is the update history of one calendar date for one event.
type DateRecord struct {
	Status   Status
	LoadedAt time.Time
}

// dateRecordJSON is the persisted representation of a DateRecord.
type dateRecordJSON struct {
	Status   string     `json:"status"`
	LoadedAt *time.Time `json:"loaded_at,omitempty"`
}

// MarshalJSON encodes the record in the explicit tri-state form.
func (r DateRecord) MarshalJSON() ([]byte, error) {
	out := dateRecordJSON{Status: r.Status.String()}
	if r.Status == StatusLoaded {
		t := r.LoadedAt
		out.LoadedAt = &t
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes either the tri-state object form or a legacy bare
// timestamp string, where a year >= 3000 is the ARCHIVED sentinel.
func (r *DateRecord) UnmarshalJSON(data []byte) error {
	// Legacy form: a bare RFC 3339 timestamp string.
	var legacy time.Time
	if err := json.Unmarshal(data, &legacy); err == nil {
		if legacy.Year() >= legacySentinelYear {
			*r = DateRecord{Status: StatusArchived}
		} else {
			*r = DateRecord{Status: StatusLoaded, LoadedAt: legacy}
		}
		return nil
	}

	var obj dateRecordJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid date record: %w", err)
	}

	switch obj.Status {
	case "loaded":
		if obj.LoadedAt == nil {
			return fmt.Errorf("invalid date record: loaded without loaded_at")
		}
		*r = DateRecord{Status: StatusLoaded, LoadedAt: *obj.LoadedAt}
	case "archived":
		*r = DateRecord{Status: StatusArchived}
	case "unloaded", "":
		*r = DateRecord{Status: StatusUnloaded}
	default:
		return fmt.Errorf("invalid date record status %q", obj.Status)
	}
	return nil
}

// AppState tracks the per-event, per-date update history of one application.
type AppState struct {
	// AppID is the opaque application identifier.
	AppID string `json:"app_id"`

	// DateUpdates maps event name to calendar date (DateKeyFormat) to its
	// record. The empty event name is the date-ignored default bucket.
	// Keys are only ever added within a cycle, never removed.
	DateUpdates map[string]map[string]DateRecord `json:"date_updates"`
}

// NewAppState creates an empty AppState for the given application id.
func NewAppState(appID string) *AppState {
	return &AppState{
		AppID:       appID,
		DateUpdates: make(map[string]map[string]DateRecord),
	}
}

// Record returns the entry for (event, date). A missing entry reads as
// StatusUnloaded.
func (a *AppState) Record(eventName string, date time.Time) DateRecord {
	dates, ok := a.DateUpdates[eventName]
	if !ok {
		return DateRecord{Status: StatusUnloaded}
	}
	rec, ok := dates[date.Format(DateKeyFormat)]
	if !ok {
		return DateRecord{Status: StatusUnloaded}
	}
	return rec
}

// SetLoaded marks (event, date) as loaded at the given time. Archived
// entries are immutable; marking one loaded is a programming error and
// is silently refused.
func (a *AppState) SetLoaded(eventName string, date time.Time, loadedAt time.Time) {
	if a.Record(eventName, date).Status == StatusArchived {
		return
	}
	a.dates(eventName)[date.Format(DateKeyFormat)] = DateRecord{
		Status:   StatusLoaded,
		LoadedAt: loadedAt,
	}
}

// SetArchived marks (event, date) as permanently archived.
func (a *AppState) SetArchived(eventName string, date time.Time) {
	a.dates(eventName)[date.Format(DateKeyFormat)] = DateRecord{Status: StatusArchived}
}

// IsArchived reports whether (event, date) is archived.
func (a *AppState) IsArchived(eventName string, date time.Time) bool {
	return a.Record(eventName, date).Status == StatusArchived
}

// dates returns the per-date map for an event, creating it on first use.
func (a *AppState) dates(eventName string) map[string]DateRecord {
	if a.DateUpdates == nil {
		a.DateUpdates = make(map[string]map[string]DateRecord)
	}
	dates, ok := a.DateUpdates[eventName]
	if !ok {
		dates = make(map[string]DateRecord)
		a.DateUpdates[eventName] = dates
	}
	return dates
}

// GlobalState is the whole persisted scheduling state.
type GlobalState struct {
	// LastCycleCompletedAt is when the last cycle fully finished, or zero
	// before the first cycle.
	LastCycleCompletedAt time.Time `json:"last_cycle_completed_at"`

	// Apps holds one AppState per tracked application, created lazily on
	// first reference.
	Apps []*AppState `json:"app_states"`
}

// NewGlobalState creates an empty GlobalState.
func NewGlobalState() *GlobalState {
	return &GlobalState{}
}

// App returns the AppState for the given application id, creating and
// registering an empty one if the id has not been seen before.
func (g *GlobalState) App(appID string) *AppState {
	for _, a := range g.Apps {
		if a.AppID == appID {
			return a
		}
	}
	a := NewAppState(appID)
	g.Apps = append(g.Apps, a)
	return a
}

// ParseDateKey parses a date_updates map key back into a calendar date.
func ParseDateKey(key string) (time.Time, error) {
	t, err := time.Parse(DateKeyFormat, key)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return t, nil
}
