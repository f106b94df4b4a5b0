// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package dispatch sequences update cycles: it drains the scheduler's plan,
// routes each work item to its source definition and destination, and
// decides which failures end a cycle.
//
// Failure policy: a failing item is logged and ends the current cycle early;
// the process survives and the next cycle resumes from persisted state. A
// planning or persistence failure aborts the cycle the same way. Nothing
// short of Stop or context cancellation stops the loop.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/logpump/internal/database"
	"github.com/tomtom215/logpump/internal/loader"
	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/metrics"
	"github.com/tomtom215/logpump/internal/scheduler"
	"github.com/tomtom215/logpump/internal/sources"
)

// failureRetryDelay spaces cycles after a failed one, so a persistently
// broken store or API does not spin the loop hot.
const failureRetryDelay = 30 * time.Second

// Planner plans cycles and paces them. Implemented by scheduler.Scheduler.
type Planner interface {
	WaitForNextCycle(ctx context.Context) error
	PlanCycle(ctx context.Context) ([]scheduler.WorkItem, error)
}

// ItemLoader executes a single load item. Implemented by loader.Loader.
type ItemLoader interface {
	Execute(ctx context.Context, item scheduler.WorkItem, def sources.Definition, dest loader.Destination) error
}

// Controller owns the update loop.
type Controller struct {
	planner    Planner
	loader     ItemLoader
	collection *sources.Collection
	dest       loader.Destination

	lastCycle time.Time
	running   bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewController creates a Controller.
func NewController(planner Planner, ld ItemLoader, collection *sources.Collection, dest loader.Destination) *Controller {
	return &Controller{
		planner:    planner,
		loader:     ld,
		collection: collection,
		dest:       dest,
		stopChan:   make(chan struct{}),
	}
}

// Start launches the update loop in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("update controller is already running")
	}
	c.running = true
	c.mu.Unlock()

	logging.Info().Msg("Starting update controller")
	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop terminates the loop and waits for the in-flight cycle step to end.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return fmt.Errorf("update controller is not running")
	}
	c.running = false
	c.mu.Unlock()

	logging.Info().Msg("Stopping update controller")
	close(c.stopChan)
	c.wg.Wait()
	logging.Info().Msg("Update controller stopped")
	return nil
}

// LastCycleTime returns when the last cycle finished, successful or not.
func (c *Controller) LastCycleTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycle
}

func (c *Controller) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		err := c.RunCycle(ctx)

		c.mu.Lock()
		c.lastCycle = time.Now()
		c.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			logging.Error().Err(err).Msg("Update cycle failed")
			select {
			case <-time.After(failureRetryDelay):
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			}
		}
	}
}

// RunCycle executes one full cycle: wait out the inter-cycle spacing, plan,
// then execute every item in plan order. The first failing item ends the
// cycle.
func (c *Controller) RunCycle(ctx context.Context) error {
	if err := c.planner.WaitForNextCycle(ctx); err != nil {
		return err
	}

	start := time.Now()
	items, err := c.planner.PlanCycle(ctx)
	if err != nil {
		metrics.RecordCycle(time.Since(start), err)
		return fmt.Errorf("failed to plan cycle: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			metrics.RecordCycle(time.Since(start), err)
			return err
		}
		if err := c.executeItem(ctx, item); err != nil {
			// Bookkeeping for prior items is already persisted; the cycle
			// ends here and the next one resumes from state.
			logging.Error().
				Err(err).
				Str("kind", item.Kind.String()).
				Str("source", item.Source).
				Str("app_id", item.AppID).
				Msg("Work item failed, ending cycle early")
			metrics.RecordCycle(time.Since(start), err)
			return nil
		}
	}

	metrics.RecordCycle(time.Since(start), nil)
	logging.Info().Int("items", len(items)).Dur("duration", time.Since(start)).Msg("Cycle completed")
	return nil
}

// executeItem routes one work item to the loader or the destination.
func (c *Controller) executeItem(ctx context.Context, item scheduler.WorkItem) error {
	def, err := c.collection.Definition(item.Source)
	if err != nil {
		return err
	}

	start := time.Now()
	kind := item.Kind.String()

	switch item.Kind {
	case scheduler.KindLoad:
		logging.Info().
			Str("source", item.Source).
			Str("event", item.EventName).
			Str("app_id", item.AppID).
			Str("date", item.Date.Format("2006-01-02")).
			Msg("Loading date")
		err = c.loader.Execute(ctx, item, def, c.dest)

	case scheduler.KindLoadDateIgnored:
		logging.Info().
			Str("source", item.Source).
			Str("app_id", item.AppID).
			Msg("Refreshing latest snapshot")
		// Latest snapshots have no archive step; seal right after loading
		// so the refreshed rows replace the previous snapshot.
		err = c.loader.Execute(ctx, item, def, c.dest)
		if err == nil {
			err = c.dest.Seal(ctx, database.Location{Source: def.Name, AppID: item.AppID})
		}

	case scheduler.KindArchive:
		logging.Info().
			Str("source", item.Source).
			Str("app_id", item.AppID).
			Str("date", item.Date.Format("2006-01-02")).
			Msg("Archiving date")
		err = c.dest.Seal(ctx, database.Location{Source: def.Name, AppID: item.AppID, Date: item.Date})

	default:
		// Unknown kinds are skipped rather than failed.
		logging.Warn().Str("kind", kind).Msg("Ignoring work item of unknown kind")
	}

	metrics.WorkItemDuration.WithLabelValues(kind, item.Source).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.WorkItemsExecuted.WithLabelValues(kind, item.Source, result).Inc()
	return err
}
