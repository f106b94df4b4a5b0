// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package api exposes the operational HTTP surface: liveness, Prometheus
// metrics, and a status endpoint summarizing the update pipeline.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/logpump/internal/logging"
	"github.com/tomtom215/logpump/internal/state"
)

// CycleReporter reports update-loop progress. Implemented by
// dispatch.Controller.
type CycleReporter interface {
	LastCycleTime() time.Time
}

// Pinger verifies a collaborator is reachable. Implemented by database.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server carries the handler dependencies.
type Server struct {
	store    state.Store
	reporter CycleReporter
	db       Pinger
}

// NewServer creates the API server.
func NewServer(store state.Store, reporter CycleReporter, db Pinger) *Server {
	return &Server{store: store, reporter: reporter, db: db}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
	})
	return r
}

// handleHealth reports liveness, degrading to 503 when the database is
// unreachable.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			logging.Warn().Err(err).Msg("Health check: database unreachable")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"reason": "database unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// appStatus summarizes one application's load history.
type appStatus struct {
	AppID    string `json:"app_id"`
	Loaded   int    `json:"loaded_dates"`
	Archived int    `json:"archived_dates"`
}

// statusResponse is the /api/v1/status payload.
type statusResponse struct {
	LastCycleCompletedAt *time.Time  `json:"last_cycle_completed_at,omitempty"`
	LastCycleRanAt       *time.Time  `json:"last_cycle_ran_at,omitempty"`
	Apps                 []appStatus `json:"apps"`
}

// handleStatus reports the persisted scheduling state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Load()
	if err != nil {
		logging.Error().Err(err).Msg("Status: failed to load state")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load state"})
		return
	}

	resp := statusResponse{Apps: make([]appStatus, 0, len(st.Apps))}
	if !st.LastCycleCompletedAt.IsZero() {
		t := st.LastCycleCompletedAt
		resp.LastCycleCompletedAt = &t
	}
	if s.reporter != nil {
		if t := s.reporter.LastCycleTime(); !t.IsZero() {
			resp.LastCycleRanAt = &t
		}
	}

	for _, app := range st.Apps {
		status := appStatus{AppID: app.AppID}
		for _, dates := range app.DateUpdates {
			for _, rec := range dates {
				switch rec.Status {
				case state.StatusLoaded:
					status.Loaded++
				case state.StatusArchived:
					status.Archived++
				}
			}
		}
		resp.Apps = append(resp.Apps, status)
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("Failed to encode response")
	}
}
