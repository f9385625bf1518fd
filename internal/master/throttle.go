// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package master

import (
	"sync"
	"time"
)

// Throttle limits worker respawns with a sliding window. A crash loop that
// burns through the budget is treated as fatal by the master rather than
// respawned forever.
type Throttle struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewThrottle allows up to max respawns within any window-sized interval.
func NewThrottle(max int, window time.Duration) *Throttle {
	return &Throttle{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow records one respawn attempt and reports whether it stays within
// budget. Once it returns false the caller must stop respawning.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.prune(now)
	t.stamps = append(t.stamps, now)
	return len(t.stamps) <= t.max
}

// Count returns the number of respawns inside the current window.
func (t *Throttle) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.now())
	return len(t.stamps)
}

func (t *Throttle) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	kept := t.stamps[:0]
	for _, ts := range t.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.stamps = kept
}
