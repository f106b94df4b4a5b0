// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package main is the entry point for the Logpump daemon.
//
// Logpump incrementally mirrors AppMetrica Logs API export data into a
// local DuckDB file. On a fixed interval it plans which application/event/
// date combinations need (re)loading, pulls them with adaptive request
// splitting, and archives dates old enough that upstream can no longer
// change them.
//
// # Application Architecture
//
// The daemon initializes components in the following order:
//
//  1. Configuration: environment variables and optional YAML file (Koanf v2)
//  2. Source registry: the enabled export sources and their schemas
//  3. Database: DuckDB with one permanent table per source
//  4. State store: the persisted scheduling state (JSON file)
//  5. Logs API client: rate-limited HTTP client behind a circuit breaker
//  6. Update controller: scheduler, loader and dispatch loop
//  7. HTTP server: health, status and Prometheus metrics
//
// The update controller and the HTTP server run under a suture supervisor
// tree, so either can crash and restart without taking down the other.
//
// # Configuration
//
// Minimal configuration:
//
//	export TOKEN=your-oauth-token
//	export APP_IDS=1111,2222
//	export EVENT_NAMES=purchase,level_up
//	./logpump
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the in-flight cycle step
// finishes, the HTTP server drains, and the database is checkpointed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/logpump/internal/api"
	"github.com/tomtom215/logpump/internal/config"
	"github.com/tomtom215/logpump/internal/database"
	"github.com/tomtom215/logpump/internal/dispatch"
	"github.com/tomtom215/logpump/internal/loader"
	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/logsapi"
	"github.com/tomtom215/logpump/internal/scheduler"
	"github.com/tomtom215/logpump/internal/sources"
	"github.com/tomtom215/logpump/internal/state"
	"github.com/tomtom215/logpump/internal/supervisor"
	"github.com/tomtom215/logpump/internal/supervisor/services"
)

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Strs("app_ids", cfg.AppMetrica.AppIDs).
		Strs("event_names", cfg.AppMetrica.EventNames).
		Str("db_path", cfg.Database.Path).
		Dur("interval", cfg.Update.Interval).
		Msg("Starting Logpump")

	collection, err := sources.NewCollection(cfg.AppMetrica.Sources)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to resolve export sources")
	}

	db, err := database.New(&cfg.Database, collection.All())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()
	logging.Info().Msg("Database initialized successfully")

	store := state.NewFileStore(cfg.State.Path)

	// Circuit breaker around the Logs API client prevents hammering an
	// unavailable upstream; request splitting passes through untripped.
	client := logsapi.NewCircuitBreakerClient(logsapi.NewClient(&cfg.AppMetrica))

	sched := scheduler.New(store, collection, scheduler.Params{
		AppIDs:         cfg.AppMetrica.AppIDs,
		EventNames:     cfg.AppMetrica.EventNames,
		UpdateLimit:    cfg.Update.Limit(),
		UpdateInterval: cfg.Update.Interval,
		FreshLimit:     cfg.Update.FreshLimit(),
	})
	ld := loader.New(client, cfg.Update.MaxParts)
	controller := dispatch.NewController(sched, ld, collection, db)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bridge zerolog to slog for sutureslog
	slogLogger := logging.NewSlogLogger()

	tree, err := supervisor.NewSupervisorTree(slogLogger, supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	tree.AddPipelineService(services.NewPipelineService(controller))
	logging.Info().Msg("Update controller added to supervisor tree")

	apiServer := api.NewServer(store, controller, db)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  60 * time.Second,
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain until the supervisor has fully stopped
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Logpump stopped gracefully")
}
