// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the pre-fork server:
// - worker pool lifecycle (spawns, crashes, respawns, generations)
// - request handling (throughput, latency, timeouts, application errors)
// - admission control (active and refused connections)

var (
	// Worker Pool Metrics
	WorkersServing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "preforkd_workers_serving",
			Help: "Number of workers currently in the SERVING state per generation",
		},
		[]string{"generation"},
	)

	WorkerSpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_worker_spawns_total",
			Help: "Total number of workers spawned, including respawns",
		},
	)

	WorkerCrashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_worker_crashes_total",
			Help: "Total number of unexpected worker deaths",
		},
	)

	RespawnThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_respawn_throttled_total",
			Help: "Times the respawn throttle tripped and stopped the master",
		},
	)

	ReloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_reloads_total",
			Help: "Total number of completed rolling restarts",
		},
	)

	// Request Metrics
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preforkd_requests_total",
			Help: "Total number of HTTP requests handled by workers",
		},
		[]string{"status"},
	)

	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preforkd_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	RequestTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_request_timeouts_total",
			Help: "Requests aborted for exceeding the request timeout",
		},
	)

	ApplicationErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_application_errors_total",
			Help: "Requests that failed inside the hosted application",
		},
	)

	// Admission Control Metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preforkd_connections_active",
			Help: "Connections currently admitted and being handled",
		},
	)

	ConnectionsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preforkd_connections_rejected_total",
			Help: "Connections refused because the admission cap was reached",
		},
	)
)

// RecordRequest records one handled request with its status code and duration.
func RecordRequest(status int, duration time.Duration) {
	RequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	RequestDuration.Observe(duration.Seconds())
}

// SetWorkersServing sets the SERVING gauge for a generation.
func SetWorkersServing(generation, count int) {
	WorkersServing.WithLabelValues(strconv.Itoa(generation)).Set(float64(count))
}

// DropGeneration removes the gauge series of a retired generation.
func DropGeneration(generation int) {
	WorkersServing.DeleteLabelValues(strconv.Itoa(generation))
}

// TrackConnection adjusts the active connection gauge.
func TrackConnection(admitted bool) {
	if admitted {
		ConnectionsActive.Inc()
	} else {
		ConnectionsActive.Dec()
	}
}
