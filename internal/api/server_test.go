// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/logpump/internal/state"
)

type memStore struct {
	st      *state.GlobalState
	loadErr error
}

func (m *memStore) Load() (*state.GlobalState, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.st == nil {
		return state.NewGlobalState(), nil
	}
	return m.st, nil
}

func (m *memStore) Save(st *state.GlobalState) error {
	m.st = st
	return nil
}

type fakeReporter struct{ t time.Time }

func (f fakeReporter) LastCycleTime() time.Time { return f.t }

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthOK(t *testing.T) {
	srv := NewServer(&memStore{}, fakeReporter{}, fakePinger{})
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthDegradedWhenDatabaseDown(t *testing.T) {
	srv := NewServer(&memStore{}, fakeReporter{}, fakePinger{err: errors.New("closed")})
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(&memStore{}, fakeReporter{}, fakePinger{})
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics exposition")
	}
}

func TestStatusSummarizesState(t *testing.T) {
	st := state.NewGlobalState()
	st.LastCycleCompletedAt = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	app := st.App("1111")
	app.SetLoaded("purchase", time.Date(2024, 1, 9, 0, 0, 0, 0, time.UTC), st.LastCycleCompletedAt)
	app.SetLoaded("purchase", time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC), st.LastCycleCompletedAt)
	app.SetArchived("purchase", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	srv := NewServer(&memStore{st: st}, fakeReporter{t: time.Now()}, fakePinger{})
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.LastCycleCompletedAt == nil || !resp.LastCycleCompletedAt.Equal(st.LastCycleCompletedAt) {
		t.Errorf("last_cycle_completed_at = %v", resp.LastCycleCompletedAt)
	}
	if resp.LastCycleRanAt == nil {
		t.Error("last_cycle_ran_at missing")
	}
	if len(resp.Apps) != 1 {
		t.Fatalf("got %d apps, want 1", len(resp.Apps))
	}
	if resp.Apps[0].AppID != "1111" || resp.Apps[0].Loaded != 2 || resp.Apps[0].Archived != 1 {
		t.Errorf("app summary = %+v", resp.Apps[0])
	}
}

func TestStatusStoreFailure(t *testing.T) {
	srv := NewServer(&memStore{loadErr: errors.New("corrupt")}, fakeReporter{}, fakePinger{})
	rec := httptest.NewRecorder()

	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
