// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package loader executes one scheduled work item against the Logs API and
// streams the normalized rows into the destination's staging area.
//
// The Logs API caps how many rows a single part may return, and the cap is
// only discoverable by being rejected. The loader adapts: it starts with a
// division count of one, and on each too-many-parts rejection discards the
// attempt's staged rows and retries the whole pull with the count doubled,
// up to a configured ceiling.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/logpump/internal/database"
	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/logsapi"
	"github.com/tomtom215/logpump/internal/metrics"
	"github.com/tomtom215/logpump/internal/scheduler"
	"github.com/tomtom215/logpump/internal/sources"
)

// ErrPartsLimit is returned when the API keeps rejecting the pull at the
// configured maximum division count.
var ErrPartsLimit = errors.New("loader: division count limit reached")

// Destination is the staging surface rows are written into. Implemented by
// database.DB.
type Destination interface {
	Reset(ctx context.Context, loc database.Location) error
	Append(ctx context.Context, loc database.Location, columns []string, rows []sources.Row) error
	Seal(ctx context.Context, loc database.Location) error
}

// Loader pulls work items from the Logs API into the destination.
type Loader struct {
	client   logsapi.Puller
	maxParts int

	// now stamps the load_datetime system column; a hook for tests.
	now func() time.Time
}

// New creates a Loader. maxParts caps the adaptive doubling.
func New(client logsapi.Puller, maxParts int) *Loader {
	return &Loader{
		client:   client,
		maxParts: maxParts,
		now:      time.Now,
	}
}

// Execute runs one load item to completion: reset staging, pull every part,
// normalize and append the rows. On a too-many-parts rejection the staging
// table is reset again before the doubled retry, so rows from a rejected
// attempt never survive. Success means every part of the final, accepted
// division count was written exactly once.
func (l *Loader) Execute(ctx context.Context, item scheduler.WorkItem, def sources.Definition, dest Destination) error {
	loc := database.Location{Source: def.Name, AppID: item.AppID, Date: item.Date}
	columns := def.Columns()
	loadedAt := l.now()

	req := logsapi.PullRequest{
		AppID:         item.AppID,
		Source:        def.Loading.SourceName,
		Fields:        def.Loading.Fields,
		DateDimension: def.Loading.DateDimension,
	}
	if def.PerEvent {
		req.EventName = item.EventName
	}
	if item.Date != nil {
		since, until := dayBounds(*item.Date)
		req.DateSince = &since
		req.DateUntil = &until
	}

	for parts := 1; ; parts *= 2 {
		if parts > l.maxParts {
			return fmt.Errorf("%w (%d parts) for %s of %s", ErrPartsLimit, l.maxParts, def.Name, item.AppID)
		}

		if err := dest.Reset(ctx, loc); err != nil {
			return fmt.Errorf("failed to reset staging for %s: %w", def.Name, err)
		}

		req.PartsCount = parts
		err := l.client.Pull(ctx, req, func(batch logsapi.Batch) error {
			return dest.Append(ctx, loc, columns, l.processBatch(batch, def, item.AppID, loadedAt))
		})
		if errors.Is(err, logsapi.ErrTooManyParts) {
			metrics.LoaderChunkRejections.Inc()
			logging.Info().
				Str("source", def.Name).
				Str("app_id", item.AppID).
				Int("parts", parts).
				Msg("Pull rejected as too large, doubling division count")
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to pull %s for %s: %w", def.Name, item.AppID, err)
		}

		metrics.LoaderPartsCount.Observe(float64(parts))
		return nil
	}
}

// processBatch normalizes raw API rows: integer columns are coerced with
// missing values as zero, converters derive or rewrite fields, and the
// system columns (target app id, ingestion timestamp) are appended.
func (l *Loader) processBatch(batch logsapi.Batch, def sources.Definition, appID string, loadedAt time.Time) []sources.Row {
	rows := make([]sources.Row, 0, len(batch))
	for _, raw := range batch {
		row := make(sources.Row, len(def.Loading.Fields)+len(def.Processing.Converters)+2)
		for _, field := range def.Loading.Fields {
			if def.Processing.IsInteger(field) {
				n, _ := sources.AsInt64(raw[field]) // missing or malformed reads as 0
				row[field] = n
			} else {
				row[field] = raw[field]
			}
		}
		for _, conv := range def.Processing.Converters {
			row[conv.Field] = conv.Convert(row)
		}
		row[sources.AppIDColumn] = appID
		row[sources.LoadTimeColumn] = loadedAt.Unix()
		rows = append(rows, row)
	}
	return rows
}

// dayBounds returns the first and last second of the date's calendar day,
// the query bounds of a single-date pull.
func dayBounds(date time.Time) (time.Time, time.Time) {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	return start, start.Add(24*time.Hour - time.Second)
}
