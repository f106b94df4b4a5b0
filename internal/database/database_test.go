// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/logpump/internal/config"
	"github.com/tomtom215/logpump/internal/sources"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	collection, err := sources.NewCollection(nil)
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}

	db, err := New(&config.DatabaseConfig{
		Path:      filepath.Join(t.TempDir(), "test.duckdb"),
		MaxMemory: "256MB",
		Threads:   1,
	}, collection.All())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func eventRow(name, date string, ts int64) sources.Row {
	return sources.Row{
		"event_name":      name,
		"event_timestamp": ts,
		"event_date":      date,
		"app_id":          "1111",
		"load_datetime":   time.Now().Unix(),
	}
}

func mustCount(t *testing.T, db *DB, source string) int64 {
	t.Helper()
	n, err := db.RowCount(context.Background(), source)
	if err != nil {
		t.Fatalf("RowCount(%s): %v", source, err)
	}
	return n
}

func TestLocationNames(t *testing.T) {
	d := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		loc         Location
		wantStaging string
		wantTable   string
	}{
		{
			"dated",
			Location{Source: "events", AppID: "1111", Date: &d},
			"stg_events_1111_20240108",
			"events",
		},
		{
			"latest",
			Location{Source: "profiles", AppID: "1111"},
			"stg_profiles_1111_latest",
			"profiles",
		},
		{
			"hostile app id",
			Location{Source: "events", AppID: "app-42; DROP TABLE events"},
			"stg_events_app_42__drop_table_events_20240108",
			"events",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc := tt.loc
			if tt.name != "latest" {
				loc.Date = &d
			}
			if got := loc.StagingTable(); got != tt.wantStaging {
				t.Errorf("StagingTable() = %q, want %q", got, tt.wantStaging)
			}
			if got := loc.Table(); got != tt.wantTable {
				t.Errorf("Table() = %q, want %q", got, tt.wantTable)
			}
		})
	}
}

func TestResetAppendSeal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	d := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	loc := Location{Source: "events", AppID: "1111", Date: &d}

	def, err := sources.NewCollection(nil)
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	events, err := def.Definition("events")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	cols := events.Columns()

	if err := db.Reset(ctx, loc); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	rows := []sources.Row{
		eventRow("purchase", "2024-01-08", 1704708000),
		eventRow("purchase", "2024-01-08", 1704711600),
	}
	if err := db.Append(ctx, loc, cols, rows); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Nothing visible in the permanent table before sealing
	if n := mustCount(t, db, "events"); n != 0 {
		t.Fatalf("permanent table has %d rows before seal, want 0", n)
	}

	if err := db.Seal(ctx, loc); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if n := mustCount(t, db, "events"); n != 2 {
		t.Errorf("permanent table has %d rows after seal, want 2", n)
	}

	// Staging table is gone after seal
	exists, err := db.tableExists(ctx, loc.StagingTable())
	if err != nil {
		t.Fatalf("tableExists: %v", err)
	}
	if exists {
		t.Error("staging table still present after seal")
	}
}

func TestSealReplacesPartition(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	d := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	loc := Location{Source: "events", AppID: "1111", Date: &d}

	collection, err := sources.NewCollection(nil)
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	events, err := collection.Definition("events")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	cols := events.Columns()

	// First load: three rows
	if err := db.Reset(ctx, loc); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := db.Append(ctx, loc, cols, []sources.Row{
		eventRow("purchase", "2024-01-08", 1704708000),
		eventRow("purchase", "2024-01-08", 1704708001),
		eventRow("purchase", "2024-01-08", 1704708002),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := db.Seal(ctx, loc); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Re-load the same date with one row; seal must replace, not add
	if err := db.Reset(ctx, loc); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if err := db.Append(ctx, loc, cols, []sources.Row{
		eventRow("purchase", "2024-01-08", 1704708003),
	}); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if err := db.Seal(ctx, loc); err != nil {
		t.Fatalf("second Seal: %v", err)
	}

	if n := mustCount(t, db, "events"); n != 1 {
		t.Errorf("partition re-seal left %d rows, want 1", n)
	}
}

func TestSealMissingStagingIsNoOp(t *testing.T) {
	db := newTestDB(t)
	d := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)

	err := db.Seal(context.Background(), Location{Source: "events", AppID: "1111", Date: &d})
	if err != nil {
		t.Fatalf("Seal without staging: %v", err)
	}
}

func TestResetDiscardsStagedRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	loc := Location{Source: "profiles", AppID: "1111"}

	collection, err := sources.NewCollection(nil)
	if err != nil {
		t.Fatalf("NewCollection: %v", err)
	}
	profiles, err := collection.Definition("profiles")
	if err != nil {
		t.Fatalf("Definition: %v", err)
	}
	cols := profiles.Columns()

	if err := db.Reset(ctx, loc); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := db.Append(ctx, loc, cols, []sources.Row{
		{"profile_id": "p1", "app_id": "1111", "load_datetime": int64(1)},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// Reset again, append a different row, then seal: only the second
	// attempt's row may survive
	if err := db.Reset(ctx, loc); err != nil {
		t.Fatalf("second Reset: %v", err)
	}
	if err := db.Append(ctx, loc, cols, []sources.Row{
		{"profile_id": "p2", "app_id": "1111", "load_datetime": int64(2)},
	}); err != nil {
		t.Fatalf("second Append: %v", err)
	}
	if err := db.Seal(ctx, loc); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if n := mustCount(t, db, "profiles"); n != 1 {
		t.Errorf("got %d rows, want 1 (first attempt's rows must be gone)", n)
	}
}

func TestAppendEmptyBatch(t *testing.T) {
	db := newTestDB(t)
	loc := Location{Source: "profiles", AppID: "1111"}

	if err := db.Reset(context.Background(), loc); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := db.Append(context.Background(), loc, []string{"profile_id"}, nil); err != nil {
		t.Fatalf("Append of empty batch: %v", err)
	}
}
