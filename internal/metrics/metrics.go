// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

// Package metrics provides Prometheus instrumentation for the engine:
// outbound request throughput and latency, retry and rate-limit pressure,
// cache efficiency, and sync operation outcomes. Everything the status
// endpoint reports is also exported here for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Outbound request metrics

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_requests_total",
			Help: "Total number of outbound integration requests",
		},
		[]string{"integration", "method", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedbridge_request_duration_seconds",
			Help:    "Outbound request duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"integration", "method"},
	)

	RequestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedbridge_request_retries_total",
			Help: "Total number of retry attempts across all integrations",
		},
	)

	RateLimitDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedbridge_rate_limit_denials_total",
			Help: "Total number of local rate limiter admission denials",
		},
	)

	// Cache metrics

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_cache_hits_total",
			Help: "Total number of response cache hits",
		},
		[]string{"integration"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_cache_misses_total",
			Help: "Total number of response cache misses",
		},
		[]string{"integration"},
	)

	// Sync metrics

	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_sync_runs_total",
			Help: "Total number of sync runs",
		},
		[]string{"integration", "result"}, // result: completed, failed, rejected
	)

	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedbridge_sync_duration_seconds",
			Help:    "Sync run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"integration"},
	)

	SyncRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_sync_records_processed_total",
			Help: "Total number of records successfully ingested",
		},
		[]string{"integration"},
	)

	SyncRecordsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_sync_records_failed_total",
			Help: "Total number of records that failed ingestion",
		},
		[]string{"integration"},
	)

	// Webhook metrics

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_webhook_events_total",
			Help: "Total number of inbound webhook events dispatched",
		},
		[]string{"integration", "event"},
	)

	// API surface metrics

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedbridge_api_requests_total",
			Help: "Total number of operational API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedbridge_api_request_duration_seconds",
			Help:    "Operational API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordSyncRun records a completed sync run's outcome in one call.
func RecordSyncRun(integration, result string, duration time.Duration, processed, failed int) {
	SyncRunsTotal.WithLabelValues(integration, result).Inc()
	SyncDuration.WithLabelValues(integration).Observe(duration.Seconds())
	SyncRecordsProcessed.WithLabelValues(integration).Add(float64(processed))
	SyncRecordsFailed.WithLabelValues(integration).Add(float64(failed))
}
