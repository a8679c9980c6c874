// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject NewFake() and advance time
// deterministically. Anything in Pulseboard that reads the wall
// clock, sleeps, or ticks (liveness pings, narration pacing,
// envelope timestamps) goes through a Clock rather than the time
// package directly.
package clock

import "time"

// Clock is the subset of time operations Pulseboard uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering on its C channel every
	// interval d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release the
// underlying timer; Stop does not close C.
//
// C is buffered with capacity 1, matching time.Ticker: a slow
// consumer drops ticks instead of queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks are delivered after Stop
// returns.
func (t *Ticker) Stop() { t.stop() }
