// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package admin

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/preforkd/preforkd/internal/master"
)

type stubPool struct {
	workers []master.WorkerInfo
}

func (p *stubPool) Snapshot() []master.WorkerInfo { return p.workers }

func TestHealthzServing(t *testing.T) {
	pool := &stubPool{workers: []master.WorkerInfo{
		{ID: 1, Generation: 1, State: "SERVING", LastHeartbeat: time.Now()},
		{ID: 2, Generation: 1, State: "STARTING"},
	}}
	router := NewRouter(pool)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.WorkersServing != 1 || resp.WorkersTotal != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHealthzNoWorkers(t *testing.T) {
	router := NewRouter(&stubPool{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestWorkersEndpoint(t *testing.T) {
	pool := &stubPool{workers: []master.WorkerInfo{
		{ID: 1, Generation: 2, State: "SERVING"},
		{ID: 2, Generation: 2, State: "DRAINING"},
	}}
	router := NewRouter(pool)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workers", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var workers []master.WorkerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(workers) != 2 || workers[1].State != "DRAINING" {
		t.Errorf("workers = %+v", workers)
	}
}

func TestWorkersEndpointEmpty(t *testing.T) {
	router := NewRouter(&stubPool{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/workers", nil))

	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router := NewRouter(&stubPool{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output missing standard collectors")
	}
}
