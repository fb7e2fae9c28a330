// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderRequestsTotal tracks upstream HTTP requests by outcome
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlsync",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total number of upstream provider requests by status code",
		},
		[]string{"provider", "status_code"},
	)

	// ProviderRequestDuration tracks upstream HTTP request latency
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mlsync",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Duration of upstream provider requests in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// ProviderRetriesTotal tracks retried requests
	ProviderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlsync",
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Total number of retried provider requests",
		},
		[]string{"provider"},
	)

	// ProviderThrottleSeconds tracks time spent waiting on the rate limiter
	ProviderThrottleSeconds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlsync",
			Subsystem: "provider",
			Name:      "throttle_seconds_total",
			Help:      "Seconds spent waiting for the minimum request interval",
		},
		[]string{"provider"},
	)

	// SyncRunsTotal tracks orchestrator runs by terminal state
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlsync",
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Total number of sync runs by mode and terminal state",
		},
		[]string{"provider", "feed", "mode", "state"},
	)

	// SyncRunDuration tracks run wall-clock time
	SyncRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mlsync",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of sync runs in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"provider", "mode"},
	)

	// SyncRecordsTotal tracks per-record outcomes
	SyncRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlsync",
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Total number of processed records by outcome",
		},
		[]string{"provider", "feed", "outcome"},
	)

	// ChangesDetectedTotal tracks emitted change records
	ChangesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mlsync",
			Subsystem: "sync",
			Name:      "changes_total",
			Help:      "Total number of price and status changes detected",
		},
		[]string{"provider", "change_type"},
	)

	// WatermarkTimestamp exposes the last persisted watermark per feed
	WatermarkTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mlsync",
			Subsystem: "sync",
			Name:      "watermark_timestamp_seconds",
			Help:      "Unix time of the last persisted watermark",
		},
		[]string{"provider", "feed"},
	)

	// DashboardClients tracks connected WebSocket clients
	DashboardClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mlsync",
			Subsystem: "dashboard",
			Name:      "clients",
			Help:      "Number of connected dashboard clients",
		},
	)
)
