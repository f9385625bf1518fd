// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package metrics

import (
	"context"

	"github.com/preforkd/preforkd/internal/events"
	"github.com/preforkd/preforkd/internal/logging"
)

// Recorder consumes lifecycle events from the bus and mirrors them into
// Prometheus counters. It runs as a supervised service; the master never
// touches metrics for lifecycle bookkeeping directly.
type Recorder struct {
	bus *events.Bus
}

// NewRecorder creates a lifecycle metrics recorder for the given bus.
func NewRecorder(bus *events.Bus) *Recorder {
	return &Recorder{bus: bus}
}

// Serve implements suture.Service. It blocks consuming lifecycle events
// until the context is cancelled or the bus closes.
func (r *Recorder) Serve(ctx context.Context) error {
	msgs, err := r.bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			evt, err := events.Decode(msg)
			if err != nil {
				logging.Warn().Err(err).Msg("Dropping undecodable lifecycle event")
				msg.Ack()
				continue
			}
			r.record(evt)
			msg.Ack()
		}
	}
}

func (r *Recorder) record(evt events.Event) {
	switch evt.Kind {
	case events.KindWorkerSpawn:
		WorkerSpawnsTotal.Inc()
	case events.KindWorkerCrash:
		WorkerCrashesTotal.Inc()
	case events.KindRespawnThrottled:
		RespawnThrottledTotal.Inc()
	case events.KindReloadComplete:
		ReloadsTotal.Inc()
	}
}

// String implements fmt.Stringer for supervisor logging.
func (r *Recorder) String() string {
	return "metrics-recorder"
}
