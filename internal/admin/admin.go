// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

// Package admin serves the operator surface: health, the worker table and
// Prometheus metrics. It listens on its own port, outside the worker pool,
// so it stays reachable while the pool drains or reloads.
package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/preforkd/preforkd/internal/logging"
	"github.com/preforkd/preforkd/internal/master"
	"github.com/preforkd/preforkd/internal/middleware"
)

// PoolInspector is the read-only view of the worker pool the admin surface
// needs.
//
// Satisfied by *master.Master.
type PoolInspector interface {
	Snapshot() []master.WorkerInfo
}

// NewRouter builds the admin router.
func NewRouter(pool PoolInspector) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Get("/healthz", handleHealth(pool))
	r.Get("/workers", handleWorkers(pool))
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// NewServer wraps the router in an http.Server bound to addr.
func NewServer(addr string, pool PoolInspector) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      NewRouter(pool),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type healthResponse struct {
	Status         string `json:"status"`
	WorkersServing int    `json:"workers_serving"`
	WorkersTotal   int    `json:"workers_total"`
}

// handleHealth reports 200 while at least one worker is SERVING, 503
// otherwise. Load balancers use this to pull a draining instance.
func handleHealth(pool PoolInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers := pool.Snapshot()
		serving := 0
		for _, wk := range workers {
			if wk.State == "SERVING" {
				serving++
			}
		}

		resp := healthResponse{Status: "ok", WorkersServing: serving, WorkersTotal: len(workers)}
		status := http.StatusOK
		if serving == 0 {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

func handleWorkers(pool PoolInspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers := pool.Snapshot()
		if workers == nil {
			workers = []master.WorkerInfo{}
		}
		writeJSON(w, http.StatusOK, workers)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode admin response")
	}
}
