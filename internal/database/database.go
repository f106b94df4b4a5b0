// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package database is the DuckDB destination for loaded export rows.
//
// Each source owns one permanent table named after the source, created from
// its column set at startup. Loads never write the permanent table directly:
// every work item gets a staging table (stg_{source}_{app}_{yyyymmdd}, or
// stg_{source}_{app}_latest for date-ignored pulls) that is dropped and
// recreated on Reset, filled by Append, and promoted by Seal. Seal replaces
// the matching partition of the permanent table (app id plus date, or the
// whole app for latest snapshots) inside one transaction, then drops the
// staging table.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/logpump/internal/config"
	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/metrics"
	"github.com/tomtom215/logpump/internal/sources"
)

// appendBatchSize caps how many rows go into a single INSERT statement.
const appendBatchSize = 500

// latestSuffix is the staging-table suffix for date-ignored loads.
const latestSuffix = "latest"

// Location addresses one staging table and its partition of the permanent
// table. A nil Date means the "latest" location of a date-ignored source.
type Location struct {
	Source string
	AppID  string
	Date   *time.Time
}

// suffix is the per-item table suffix: {app}_{yyyymmdd} or {app}_latest.
func (l Location) suffix() string {
	if l.Date == nil {
		return fmt.Sprintf("%s_%s", sanitizeIdent(l.AppID), latestSuffix)
	}
	return fmt.Sprintf("%s_%s", sanitizeIdent(l.AppID), l.Date.Format("20060102"))
}

// StagingTable returns the staging table name for the location.
func (l Location) StagingTable() string {
	return fmt.Sprintf("stg_%s_%s", sanitizeIdent(l.Source), l.suffix())
}

// Table returns the permanent table name for the location's source.
func (l Location) Table() string {
	return sanitizeIdent(l.Source)
}

// sanitizeIdent keeps identifiers to [a-z0-9_] so table names built from
// configuration values are always valid unquoted DuckDB identifiers.
func sanitizeIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DB wraps the DuckDB connection and the per-source schemas.
//
// Thread safety: safe for concurrent use through database/sql, though the
// update pipeline only ever runs one destination operation at a time.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
	defs map[string]sources.Definition
}

// New opens (or creates) the DuckDB database and ensures one permanent
// table per enabled source.
func New(cfg *config.DatabaseConfig, defs []sources.Definition) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		// 0750 per gosec G301
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	preserveOrder := "true"
	if !cfg.PreserveInsertionOrder {
		preserveOrder = "false"
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&preserve_insertion_order=%s",
		cfg.Path, numThreads, cfg.MaxMemory, preserveOrder)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(runtime.NumCPU())
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(time.Hour)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	db := &DB{
		conn: conn,
		cfg:  cfg,
		defs: make(map[string]sources.Definition, len(defs)),
	}
	for _, def := range defs {
		db.defs[def.Name] = def
	}

	if err := db.initialize(); err != nil {
		closeQuietly(conn)
		return nil, err
	}

	logging.Info().Str("path", cfg.Path).Int("sources", len(defs)).Msg("Database ready")
	return db, nil
}

// initialize creates the permanent per-source tables.
func (db *DB) initialize() error {
	for name, def := range db.defs {
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
			sanitizeIdent(name), columnDDL(def))
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table for source %s: %w", name, err)
		}
	}
	return nil
}

// columnDDL renders the column list of a source's table. Integer-typed
// fields and the ingestion timestamp become BIGINT, everything else VARCHAR.
func columnDDL(def sources.Definition) string {
	cols := def.Columns()
	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		typ := "VARCHAR"
		if def.Processing.IsInteger(col) || col == sources.LoadTimeColumn {
			typ = "BIGINT"
		}
		parts = append(parts, fmt.Sprintf("%s %s", sanitizeIdent(col), typ))
	}
	return strings.Join(parts, ", ")
}

// Reset drops and recreates the staging table for the location, discarding
// any rows from an earlier or aborted attempt.
func (db *DB) Reset(ctx context.Context, loc Location) error {
	start := time.Now()
	err := db.reset(ctx, loc)
	metrics.ObserveDBOperation("reset", start, err)
	return err
}

func (db *DB) reset(ctx context.Context, loc Location) error {
	stg := loc.StagingTable()
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", stg)); err != nil {
		return fmt.Errorf("failed to drop staging table %s: %w", stg, err)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s LIMIT 0", stg, loc.Table())
	if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create staging table %s: %w", stg, err)
	}
	return nil
}

// Append bulk-inserts rows into the location's staging table. Columns must
// match the source's Columns() order; row values are read by column name.
func (db *DB) Append(ctx context.Context, loc Location, columns []string, rows []sources.Row) error {
	start := time.Now()
	err := db.appendRows(ctx, loc, columns, rows)
	metrics.ObserveDBOperation("append", start, err)
	if err == nil {
		metrics.LoaderRowsWritten.WithLabelValues(loc.Source).Add(float64(len(rows)))
	}
	return err
}

func (db *DB) appendRows(ctx context.Context, loc Location, columns []string, rows []sources.Row) error {
	if len(rows) == 0 {
		return nil
	}

	stg := loc.StagingTable()
	colNames := make([]string, len(columns))
	for i, c := range columns {
		colNames[i] = sanitizeIdent(c)
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer rollbackQuietly(tx)

	for offset := 0; offset < len(rows); offset += appendBatchSize {
		end := offset + appendBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[offset:end]

		values := make([]string, len(batch))
		args := make([]any, 0, len(batch)*len(columns))
		for i, row := range batch {
			values[i] = placeholders
			for _, col := range columns {
				args = append(args, row[col])
			}
		}

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			stg, strings.Join(colNames, ", "), strings.Join(values, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return fmt.Errorf("failed to append %d rows into %s: %w", len(batch), stg, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append into %s: %w", stg, err)
	}
	return nil
}

// Seal promotes the location's staging rows into the permanent table:
// the matching partition (app id and date, or the whole app for latest
// snapshots) is replaced in one transaction and the staging table dropped.
// Sealing a location with no staging table is a no-op, so archive items for
// dates staged by a long-gone process still succeed.
func (db *DB) Seal(ctx context.Context, loc Location) error {
	start := time.Now()
	err := db.seal(ctx, loc)
	metrics.ObserveDBOperation("seal", start, err)
	return err
}

func (db *DB) seal(ctx context.Context, loc Location) error {
	stg := loc.StagingTable()

	exists, err := db.tableExists(ctx, stg)
	if err != nil {
		return err
	}
	if !exists {
		logging.Debug().Str("staging", stg).Msg("No staging table to seal, skipping")
		return nil
	}

	def, ok := db.defs[loc.Source]
	if !ok {
		return fmt.Errorf("unknown source %q", loc.Source)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seal transaction: %w", err)
	}
	defer rollbackQuietly(tx)

	var deleteStmt string
	deleteArgs := []any{loc.AppID}
	if loc.Date != nil && def.DateColumn != "" {
		deleteStmt = fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
			loc.Table(), sources.AppIDColumn, sanitizeIdent(def.DateColumn))
		deleteArgs = append(deleteArgs, loc.Date.Format("2006-01-02"))
	} else {
		deleteStmt = fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
			loc.Table(), sources.AppIDColumn)
	}
	if _, err := tx.ExecContext(ctx, deleteStmt, deleteArgs...); err != nil {
		return fmt.Errorf("failed to clear partition of %s: %w", loc.Table(), err)
	}

	insertStmt := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", loc.Table(), stg)
	if _, err := tx.ExecContext(ctx, insertStmt); err != nil {
		return fmt.Errorf("failed to promote %s into %s: %w", stg, loc.Table(), err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", stg)); err != nil {
		return fmt.Errorf("failed to drop staging table %s: %w", stg, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seal of %s: %w", stg, err)
	}
	return nil
}

// tableExists checks the catalog for a table in the main schema.
func (db *DB) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'main' AND table_name = ?",
		name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// RowCount returns the number of rows in a source's permanent table.
func (db *DB) RowCount(ctx context.Context, source string) (int64, error) {
	if _, ok := db.defs[source]; !ok {
		return 0, fmt.Errorf("unknown source %q", source)
	}
	var count int64
	err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT count(*) FROM %s", sanitizeIdent(source))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s rows: %w", source, err)
	}
	return count, nil
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if _, err := db.conn.Exec("CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Checkpoint before close failed")
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func closeQuietly(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close database connection")
	}
}

func rollbackQuietly(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		logging.Warn().Err(err).Msg("Failed to roll back transaction")
	}
}
