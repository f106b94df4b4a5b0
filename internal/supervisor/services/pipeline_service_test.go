// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"
)

// mockController simulates the update controller's Start/Stop lifecycle.
type mockController struct {
	started    atomic.Bool
	stopped    atomic.Bool
	startError error
	stopError  error
}

func (m *mockController) Start(context.Context) error {
	if m.startError != nil {
		return m.startError
	}
	m.started.Store(true)
	return nil
}

func (m *mockController) Stop() error {
	m.stopped.Store(true)
	return m.stopError
}

func TestPipelineServiceInterface(t *testing.T) {
	var _ suture.Service = (*PipelineService)(nil)
}

func TestPipelineService(t *testing.T) {
	t.Run("starts the controller", func(t *testing.T) {
		ctrl := &mockController{}
		svc := NewPipelineService(ctrl)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			done <- svc.Serve(ctx)
		}()

		// Poll rather than sleep once; more reliable under CI load
		var started bool
		for i := 0; i < 10; i++ {
			time.Sleep(20 * time.Millisecond)
			if ctrl.started.Load() {
				started = true
				break
			}
		}
		if !started {
			t.Error("controller was not started")
		}

		<-done
	})

	t.Run("stops the controller on cancellation", func(t *testing.T) {
		ctrl := &mockController{}
		svc := NewPipelineService(ctrl)

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)
		go func() {
			done <- svc.Serve(ctx)
		}()

		for i := 0; i < 10; i++ {
			time.Sleep(20 * time.Millisecond)
			if ctrl.started.Load() {
				break
			}
		}
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Error("service did not stop in time")
		}

		if !ctrl.stopped.Load() {
			t.Error("controller was not stopped")
		}
	})

	t.Run("propagates start error for restart", func(t *testing.T) {
		startErr := errors.New("state store unavailable")
		svc := NewPipelineService(&mockController{startError: startErr})

		err := svc.Serve(context.Background())
		if !errors.Is(err, startErr) {
			t.Errorf("expected wrapped start error, got %v", err)
		}
	})

	t.Run("surfaces stop error", func(t *testing.T) {
		ctrl := &mockController{stopError: errors.New("cycle stuck")}
		svc := NewPipelineService(ctrl)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := svc.Serve(ctx); err == nil {
			t.Error("expected stop error to be reported")
		}
	})

	t.Run("names itself for supervisor logs", func(t *testing.T) {
		if got := NewPipelineService(&mockController{}).String(); got != "update-controller" {
			t.Errorf("String() = %q", got)
		}
	})
}
