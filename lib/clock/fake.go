// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given instant. Time moves only
// when Advance is called; every pending timer and ticker whose deadline
// falls within the advance fires, in deadline order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Callbacks scheduled
// with AfterFunc run synchronously inside Advance, so a test that
// advances past a reconnect delay observes the reconnect attempt before
// Advance returns. Do not call Advance from inside an AfterFunc
// callback — that deadlocks.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*pendingTimer
	registered *sync.Cond
}

// pendingTimer is one scheduled After, AfterFunc, or ticker tick.
type pendingTimer struct {
	deadline time.Time
	// ch receives the fire time for After and ticker entries; nil for
	// AfterFunc entries.
	ch chan time.Time
	// fn runs synchronously during Advance for AfterFunc entries; nil
	// otherwise.
	fn func()
	// period is non-zero for tickers; the entry is rescheduled at
	// deadline+period after firing.
	period time.Duration
	// cancelled entries are skipped and dropped on the next Advance.
	cancelled bool
	// fired marks one-shot entries that already delivered, so Stop can
	// report the right result.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 it receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &pendingTimer{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	entry := &pendingTimer{fn: f}

	c.mu.Lock()
	entry.deadline = c.now.Add(d)
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if entry.cancelled || entry.fired {
			return false
		}
		entry.cancelled = true
		return true
	}}
}

// NewTicker returns a Ticker that fires once per interval crossed by
// Advance. Ticks that overflow the single-slot channel are dropped.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	ch := make(chan time.Time, 1)
	entry := &pendingTimer{ch: ch, period: d}

	c.mu.Lock()
	entry.deadline = c.now.Add(d)
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		entry.cancelled = true
		c.mu.Unlock()
	}}
}

// Advance moves the clock forward by d and fires everything due, in
// deadline order. Tickers spanning several intervals fire once per
// interval. AfterFunc callbacks run in the calling goroutine; callbacks
// that schedule new timers within the advanced window are fired in the
// same Advance call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.SliceStable(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, entry := range due {
			if entry.fn != nil {
				entry.fn()
				continue
			}
			select {
			case entry.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes due entries from the pending list, rescheduling
// tickers for their next interval, and returns the entries to fire.
func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*pendingTimer
	keep := c.pending[:0]
	for _, entry := range c.pending {
		switch {
		case entry.cancelled:
			// drop
		case !entry.deadline.After(target):
			due = append(due, entry)
			if entry.period > 0 {
				// Reschedule the ticker under its next deadline; it may
				// fire again on the next pass of the same Advance.
				entry.deadline = entry.deadline.Add(entry.period)
				keep = append(keep, entry)
			} else {
				entry.fired = true
			}
		default:
			keep = append(keep, entry)
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n timers or tickers are pending.
// Eliminates the race between a goroutine scheduling its reconnect
// timer and the test advancing the clock to fire it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, entry := range c.pending {
		if !entry.cancelled {
			count++
		}
	}
	return count
}
