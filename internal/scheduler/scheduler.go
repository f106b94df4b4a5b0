// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package scheduler is the incremental-update decision engine. Given the
// persisted load history and a rolling date window, it plans one cycle's
// work items: which (app, event, date) combinations to load, which dates to
// archive, and which date-ignored sources to refresh wholesale.
//
// Planning is eager: PlanCycle computes the full ordered item list up front
// and commits every state change (touch timestamps, archive tombstones)
// before returning, persisting after each mutation. A crash mid-cycle
// therefore never loses the "already scheduled" fact; at worst an
// interrupted load is redone on the next cycle once the update interval
// has elapsed.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/metrics"
	"github.com/tomtom215/logpump/internal/sources"
	"github.com/tomtom215/logpump/internal/state"
)

// Kind is the type of scheduled action a work item carries.
type Kind int

const (
	// KindLoad pulls one calendar date of one source into staging.
	KindLoad Kind = iota

	// KindArchive promotes a date's staging data to its final immutable
	// form. The date is never scheduled again.
	KindArchive

	// KindLoadDateIgnored refreshes a date-ignored source wholesale.
	KindLoadDateIgnored
)

// String returns the kind's log and metric label.
func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "load"
	case KindArchive:
		return "archive"
	case KindLoadDateIgnored:
		return "load_date_ignored"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// WorkItem is one unit of scheduled action. Items live only within the
// cycle that produced them and are never persisted.
type WorkItem struct {
	Kind      Kind
	Source    string
	EventName string
	AppID     string
	Date      *time.Time // nil for date-ignored loads
}

// Params holds the scheduling knobs.
type Params struct {
	AppIDs     []string
	EventNames []string

	// UpdateLimit is how far back the rolling date window extends.
	UpdateLimit time.Duration

	// UpdateInterval is the minimum spacing between reloads of the same
	// date, and between cycles.
	UpdateInterval time.Duration

	// FreshLimit is the age past a date's end-of-day after which its
	// upstream data is assumed immutable and the date is archived.
	FreshLimit time.Duration
}

// Scheduler plans update cycles. It is the exclusive owner and only writer
// of the persisted state.
type Scheduler struct {
	store      state.Store
	collection *sources.Collection
	params     Params

	// now is a hook for tests.
	now func() time.Time
}

// New creates a Scheduler.
func New(store state.Store, collection *sources.Collection, params Params) *Scheduler {
	return &Scheduler{
		store:      store,
		collection: collection,
		params:     params,
		now:        time.Now,
	}
}

// WaitForNextCycle blocks until the configured interval has passed since
// the last completed cycle. Returns immediately before the first cycle.
func (s *Scheduler) WaitForNextCycle(ctx context.Context) error {
	st, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if st.LastCycleCompletedAt.IsZero() {
		return nil
	}

	wait := s.params.UpdateInterval - s.now().Sub(st.LastCycleCompletedAt)
	if wait <= 0 {
		return nil
	}

	logging.Info().Dur("wait", wait).Msg("Waiting for next cycle")
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PlanCycle produces the ordered work items of one cycle and commits all
// scheduling bookkeeping. Per application the order is: archive sweep,
// per-date loads ascending by date, then date-ignored refreshes. A state
// persistence failure aborts planning.
func (s *Scheduler) PlanCycle(ctx context.Context) ([]WorkItem, error) {
	st, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	cycleStart := s.now()
	var items []WorkItem

	for _, appID := range s.params.AppIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		app := st.App(appID)

		items, err = s.sweepArchives(st, app, items)
		if err != nil {
			return nil, err
		}
		items, err = s.planDates(st, app, cycleStart, items)
		if err != nil {
			return nil, err
		}
		items = s.planDateIgnored(app, items)
	}

	st.LastCycleCompletedAt = s.now()
	if err := s.store.Save(st); err != nil {
		return nil, fmt.Errorf("failed to persist cycle completion: %w", err)
	}

	for _, item := range items {
		metrics.WorkItemsPlanned.WithLabelValues(item.Kind.String(), item.Source).Inc()
	}
	logging.Info().Int("items", len(items)).Time("cycle_start", cycleStart).Msg("Cycle planned")
	return items, nil
}

// sweepArchives walks every recorded (event, date) entry and archives the
// ones whose last load already happened late enough past the date's end of
// day. Entries already archived are skipped.
func (s *Scheduler) sweepArchives(st *state.GlobalState, app *state.AppState, items []WorkItem) ([]WorkItem, error) {
	for _, eventName := range sortedKeys(app.DateUpdates) {
		for _, dateKey := range sortedKeys(app.DateUpdates[eventName]) {
			rec := app.DateUpdates[eventName][dateKey]
			if rec.Status != state.StatusLoaded {
				continue
			}
			date, err := state.ParseDateKey(dateKey)
			if err != nil {
				return nil, err
			}
			if rec.LoadedAt.Sub(endOfDay(date)) < s.params.FreshLimit {
				continue
			}

			items = s.appendArchives(app.AppID, eventName, date, items)
			app.SetArchived(eventName, date)
			if err := s.store.Save(st); err != nil {
				return nil, fmt.Errorf("failed to persist archive mark: %w", err)
			}
		}
	}
	return items, nil
}

// planDates runs the per-date update pass over the rolling window, oldest
// date first, for every configured event name.
func (s *Scheduler) planDates(st *state.GlobalState, app *state.AppState, cycleStart time.Time, items []WorkItem) ([]WorkItem, error) {
	windowEnd := dayStart(cycleStart)
	windowStart := windowEnd.Add(-s.params.UpdateLimit)

	for _, eventName := range s.params.EventNames {
		for date := windowStart; !date.After(windowEnd); date = date.AddDate(0, 0, 1) {
			rec := app.Record(eventName, date)
			if rec.Status == state.StatusArchived {
				continue
			}
			if rec.Status == state.StatusLoaded && cycleStart.Sub(rec.LoadedAt) < s.params.UpdateInterval {
				// Loaded recently enough; nothing to do for this date.
				continue
			}

			d := date
			for _, def := range s.collection.DateRequired() {
				items = append(items, WorkItem{
					Kind:      KindLoad,
					Source:    def.Name,
					EventName: eventName,
					AppID:     app.AppID,
					Date:      &d,
				})
			}
			app.SetLoaded(eventName, date, cycleStart)
			if err := s.store.Save(st); err != nil {
				return nil, fmt.Errorf("failed to persist load mark: %w", err)
			}

			// Freshness is judged against the touch that triggered this
			// check: the load recorded just above.
			if cycleStart.Sub(endOfDay(date)) >= s.params.FreshLimit {
				items = s.appendArchives(app.AppID, eventName, date, items)
				app.SetArchived(eventName, date)
				if err := s.store.Save(st); err != nil {
					return nil, fmt.Errorf("failed to persist archive mark: %w", err)
				}
			}
		}
	}
	return items, nil
}

// planDateIgnored emits the unconditional wholesale refreshes. No state
// bookkeeping: these run every cycle.
func (s *Scheduler) planDateIgnored(app *state.AppState, items []WorkItem) []WorkItem {
	for _, def := range s.collection.DateIgnored() {
		items = append(items, WorkItem{
			Kind:   KindLoadDateIgnored,
			Source: def.Name,
			AppID:  app.AppID,
		})
	}
	return items
}

// appendArchives emits one archive item per date-required source.
func (s *Scheduler) appendArchives(appID, eventName string, date time.Time, items []WorkItem) []WorkItem {
	d := date
	for _, def := range s.collection.DateRequired() {
		items = append(items, WorkItem{
			Kind:      KindArchive,
			Source:    def.Name,
			EventName: eventName,
			AppID:     appID,
			Date:      &d,
		})
	}
	return items
}

// dayStart truncates a time to midnight of its calendar date.
func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// endOfDay is the last representable instant of the date's calendar day.
func endOfDay(date time.Time) time.Time {
	return time.Date(date.Year(), date.Month(), date.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), date.Location())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
