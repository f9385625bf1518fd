// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package services

import (
	"context"
	"time"

	"github.com/preforkd/preforkd/internal/logging"
)

// GarbageCollector is a store that wants periodic value-log compaction.
//
// Satisfied by *accounts.BadgerStore.
type GarbageCollector interface {
	RunGC() error
}

// StoreGCService runs store garbage collection on an interval. GC failures
// are logged, not fatal; the next tick tries again.
type StoreGCService struct {
	gc       GarbageCollector
	interval time.Duration
	name     string
}

// NewStoreGCService wraps a store for supervised periodic GC.
func NewStoreGCService(gc GarbageCollector, interval time.Duration) *StoreGCService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StoreGCService{gc: gc, interval: interval, name: "store-gc"}
}

// Serve implements suture.Service.
func (s *StoreGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.gc.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Store garbage collection failed")
			}
		}
	}
}

// String implements fmt.Stringer for logging.
func (s *StoreGCService) String() string {
	return s.name
}
