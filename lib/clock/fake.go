// Copyright 2026 The Pulseboard Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// NewFake returns a Fake clock pinned to initial. Time moves only
// when Advance is called; pending After, Sleep, and Ticker waiters
// whose deadlines fall within the advance fire in deadline order.
//
// Fake is safe for concurrent use.
func NewFake(initial time.Time) *Fake {
	f := &Fake{current: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Fake is a deterministic Clock for tests.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is a pending After, Sleep, or Ticker delivery.
type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for ticker waiters, which reschedule at
	// deadline + interval after each fire.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After returns a channel that receives once the fake clock has been
// advanced past d. A non-positive d delivers immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.current
		return channel
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.current.Add(d), channel: channel})
	f.changed.Broadcast()
	return channel
}

// NewTicker returns a Ticker that fires each time the clock advances
// past a multiple of d.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := &waiter{
		deadline: f.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()

	return &Ticker{
		C: w.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep blocks until the clock is advanced past d.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Advance moves the fake clock forward by d, firing every waiter
// whose deadline falls within the window. Ticker waiters fire once
// per elapsed interval (subject to the capacity-1 channel dropping
// ticks, as with time.Ticker).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.current.Add(d)
	for {
		next := f.earliestDeadlineLocked(target)
		if next == nil {
			break
		}
		f.current = next.deadline
		select {
		case next.channel <- f.current:
		default:
			// Capacity-1 channel already holds an undelivered tick.
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.fired = true
		}
	}
	f.current = target
	f.compactLocked()
}

// BlockUntilWaiters waits until at least n waiters are registered.
// Lets a test rendezvous with a goroutine that is about to park on a
// ticker or sleep before advancing the clock.
func (f *Fake) BlockUntilWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.liveWaitersLocked() < n {
		f.changed.Wait()
	}
}

// earliestDeadlineLocked returns the unfired, unstopped waiter with
// the earliest deadline at or before limit, or nil if none qualify.
func (f *Fake) earliestDeadlineLocked(limit time.Time) *waiter {
	var earliest *waiter
	for _, w := range f.waiters {
		if w.stopped || w.fired || w.deadline.After(limit) {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
		}
	}
	return earliest
}

func (f *Fake) liveWaitersLocked() int {
	count := 0
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}

// compactLocked drops fired and stopped waiters so a long test does
// not accumulate garbage.
func (f *Fake) compactLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	f.waiters = live
}
