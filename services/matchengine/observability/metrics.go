// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the Prometheus metrics and the tracer handle
// shared by the match engine packages.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns the engine tracer. Span export depends on whatever provider
// the host process installed; without one these are no-ops.
func Tracer() trace.Tracer {
	return otel.Tracer("oncomatch/matchengine")
}

var (
	// TasksTotal counts dequeued tasks by kind and result.
	// Kinds: "query", "update", "run_log_update", "index_update",
	// "check_indices", "poison_pill". Results: "ok", "error", "panic".
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oncomatch_tasks_total",
		Help: "Total engine tasks by kind and result",
	}, []string{"kind", "result"})

	// TaskDuration observes task execution time by kind.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oncomatch_task_duration_seconds",
		Help:    "Task execution duration",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"kind"})

	// StoreRetries counts retried store operations.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oncomatch_store_retries_total",
		Help: "Total retried store operations",
	})

	// MatchesFound counts raw matches produced by query tasks, before
	// reconciliation.
	MatchesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oncomatch_matches_found_total",
		Help: "Total matches produced by query execution",
	})

	// MatchesReconciled counts reconciliation outcomes.
	// Outcomes: "inserted", "retained", "disabled".
	MatchesReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oncomatch_matches_reconciled_total",
		Help: "Match reconciliation outcomes",
	}, []string{"outcome"})

	// QueryCacheHits counts id-set cache hits and misses.
	QueryCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oncomatch_query_cache_total",
		Help: "Query result cache lookups",
	}, []string{"result"})

	// TrialsMatched observes per-run counts of trials that produced at
	// least one match.
	TrialsMatched = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oncomatch_trials_matched_per_run",
		Help:    "Trials with at least one match per run",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500},
	})
)
