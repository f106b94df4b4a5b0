// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package services wraps Logpump's long-running components as suture
// services, adapting their lifecycles to the Serve pattern.
package services

import (
	"context"
	"fmt"
)

// StartStopController matches the update controller's lifecycle. Satisfied
// by *dispatch.Controller.
type StartStopController interface {
	Start(ctx context.Context) error
	Stop() error
}

// PipelineService wraps the update controller as a supervised service.
//
// The controller runs its own loop goroutine behind Start/Stop; this wrapper
// translates that to suture's blocking Serve:
//  1. Start the controller
//  2. Block until the context is canceled
//  3. Stop the controller, which waits for the in-flight cycle step
type PipelineService struct {
	controller StartStopController
	name       string
}

// NewPipelineService creates a new pipeline service wrapper.
func NewPipelineService(controller StartStopController) *PipelineService {
	return &PipelineService{
		controller: controller,
		name:       "update-controller",
	}
}

// Serve implements suture.Service.
//
// A Start failure is returned immediately so suture restarts the service
// under its backoff policy.
func (s *PipelineService) Serve(ctx context.Context) error {
	if err := s.controller.Start(ctx); err != nil {
		return fmt.Errorf("update controller start failed: %w", err)
	}

	<-ctx.Done()

	if err := s.controller.Stop(); err != nil {
		return fmt.Errorf("update controller stop failed: %w", err)
	}

	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *PipelineService) String() string {
	return s.name
}
