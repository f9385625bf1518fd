// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package master

import (
	"testing"
	"time"
)

func TestThrottleAllowsWithinBudget(t *testing.T) {
	th := NewThrottle(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !th.Allow() {
			t.Fatalf("Allow() = false on attempt %d, want true", i+1)
		}
	}
	if th.Allow() {
		t.Error("Allow() = true past the budget, want false")
	}
	if got := th.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
}

func TestThrottleSlidingWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	th := NewThrottle(2, 10*time.Second)
	th.now = func() time.Time { return now }

	if !th.Allow() || !th.Allow() {
		t.Fatal("first two attempts should be allowed")
	}
	if th.Allow() {
		t.Fatal("third attempt inside the window should be denied")
	}

	// Oldest stamps fall out of the window; budget frees up again.
	now = now.Add(11 * time.Second)
	if !th.Allow() {
		t.Error("attempt after the window slid should be allowed")
	}
	if got := th.Count(); got != 1 {
		t.Errorf("Count() after slide = %d, want 1", got)
	}
}
