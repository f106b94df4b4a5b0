// Logpump - AppMetrica Logs API to DuckDB Incremental Sync
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/logpump

// Package metrics provides Prometheus instrumentation for Logpump:
//   - Update cycle duration and outcomes
//   - Work items planned and executed, by kind and source
//   - Adaptive loader behavior (division counts, chunk rejections)
//   - Logs API request latency and status
//   - Circuit breaker state
//   - State store persistence
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Cycle metrics

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logpump_cycle_duration_seconds",
			Help:    "Duration of full update cycles in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_cycles_total",
			Help: "Total number of update cycles by result",
		},
		[]string{"result"}, // "completed", "failed"
	)

	CycleLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "logpump_cycle_last_success_timestamp",
			Help: "Unix timestamp of the last fully completed cycle",
		},
	)

	// Work item metrics

	WorkItemsPlanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_work_items_planned_total",
			Help: "Total number of work items produced by the scheduler",
		},
		[]string{"kind", "source"},
	)

	WorkItemsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_work_items_executed_total",
			Help: "Total number of work items executed by result",
		},
		[]string{"kind", "source", "result"}, // result: "ok", "error"
	)

	WorkItemDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logpump_work_item_duration_seconds",
			Help:    "Duration of single work item execution in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"kind", "source"},
	)

	// Adaptive loader metrics

	LoaderPartsCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logpump_loader_parts_count",
			Help:    "Final accepted division count per completed load",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11), // 1..1024
		},
	)

	LoaderChunkRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpump_loader_chunk_rejections_total",
			Help: "Total number of too-many-parts rejections from the Logs API",
		},
	)

	LoaderRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_loader_rows_written_total",
			Help: "Total number of rows appended to the destination",
		},
		[]string{"source"},
	)

	// Logs API metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_api_requests_total",
			Help: "Total number of Logs API requests",
		},
		[]string{"source", "status"}, // status: "ok", "too_many_parts", "rate_limited", "error"
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logpump_api_request_duration_seconds",
			Help:    "Logs API request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"source"},
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "logpump_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_circuit_breaker_requests_total",
			Help: "Total number of requests through the circuit breaker by outcome",
		},
		[]string{"name", "outcome"}, // "success", "failure", "rejected"
	)

	// State store metrics

	StateSaves = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "logpump_state_saves_total",
			Help: "Total number of state file rewrites",
		},
	)

	// Destination metrics

	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "logpump_duckdb_operation_duration_seconds",
			Help:    "Duration of DuckDB destination operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"}, // "reset", "append", "seal"
	)

	DBOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "logpump_duckdb_operation_errors_total",
			Help: "Total number of DuckDB destination operation errors",
		},
		[]string{"operation"},
	)
)

// RecordCycle records the outcome of one full cycle.
func RecordCycle(duration time.Duration, err error) {
	CycleDuration.Observe(duration.Seconds())
	if err != nil {
		CyclesTotal.WithLabelValues("failed").Inc()
		return
	}
	CyclesTotal.WithLabelValues("completed").Inc()
	CycleLastSuccess.SetToCurrentTime()
}

// ObserveDBOperation times a destination operation and records errors.
func ObserveDBOperation(operation string, start time.Time, err error) {
	DBOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBOperationErrors.WithLabelValues(operation).Inc()
	}
}
