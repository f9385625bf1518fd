// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/preforkd/preforkd/internal/events"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("200"))
	RecordRequest(200, 5*time.Millisecond)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("200"))
	if after != before+1 {
		t.Errorf("RequestsTotal{200} = %v, want %v", after, before+1)
	}
}

func TestWorkersServingGauge(t *testing.T) {
	SetWorkersServing(7, 4)
	if got := testutil.ToFloat64(WorkersServing.WithLabelValues("7")); got != 4 {
		t.Errorf("WorkersServing{7} = %v, want 4", got)
	}

	DropGeneration(7)
	if got := testutil.ToFloat64(WorkersServing.WithLabelValues("7")); got != 0 {
		t.Errorf("WorkersServing{7} after drop = %v, want 0", got)
	}
}

func TestTrackConnection(t *testing.T) {
	base := testutil.ToFloat64(ConnectionsActive)
	TrackConnection(true)
	TrackConnection(true)
	TrackConnection(false)
	if got := testutil.ToFloat64(ConnectionsActive); got != base+1 {
		t.Errorf("ConnectionsActive = %v, want %v", got, base+1)
	}
	TrackConnection(false)
}

func TestRecorderCountsLifecycleEvents(t *testing.T) {
	bus := events.NewBus(16, nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := NewRecorder(bus)
	done := make(chan error, 1)
	go func() { done <- rec.Serve(ctx) }()

	spawnsBefore := testutil.ToFloat64(WorkerSpawnsTotal)
	crashesBefore := testutil.ToFloat64(WorkerCrashesTotal)

	if err := bus.Publish(events.Event{Kind: events.KindWorkerSpawn, WorkerID: 1, Generation: 1}); err != nil {
		t.Fatal(err)
	}
	if err := bus.Publish(events.Event{Kind: events.KindWorkerCrash, WorkerID: 1, Generation: 1}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for testutil.ToFloat64(WorkerCrashesTotal) < crashesBefore+1 {
		select {
		case <-deadline:
			t.Fatal("recorder did not count crash event in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := testutil.ToFloat64(WorkerSpawnsTotal); got != spawnsBefore+1 {
		t.Errorf("WorkerSpawnsTotal = %v, want %v", got, spawnsBefore+1)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop on context cancel")
	}
}
