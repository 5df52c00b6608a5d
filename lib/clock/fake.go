// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to initial. Time moves only when
// Advance is called; every timer and ticker created from the clock
// registers a waiter that fires when the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// run synchronously inside Advance, in deadline order, which is what
// makes timeout-versus-answer races reproducible: the test controls
// exactly when the timeout path runs relative to its own calls.
//
// Do not call Advance from inside an AfterFunc callback.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	waiters    []*waiter
	registered *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time // After and Ticker waiters
	callback func()         // AfterFunc waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.registered.Broadcast()
	return channel
}

// AfterFunc registers f to run when the clock advances past the
// deadline. If d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	pending := &waiter{
		deadline: c.current.Add(d),
		callback: f,
	}
	c.waiters = append(c.waiters, pending)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if pending.stopped || pending.fired {
				return false
			}
			pending.stopped = true
			return true
		},
	}
}

// NewTicker returns a ticker firing every d fake-time units. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	pending := &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.waiters = append(c.waiters, pending)
	c.registered.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			pending.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the new time, in deadline order. The clock
// steps to each waiter's deadline before that waiter fires, so a
// callback that registers a follow-up timer within the remaining
// window sees that timer fire too, inside the same Advance. Callback
// waiters run synchronously in the calling goroutine; channel sends
// are non-blocking, so an unread ticker tick is dropped rather than
// queued, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		next := c.stepToNext(target)
		if next == nil {
			return
		}
		if next.callback != nil {
			next.callback()
			continue
		}
		select {
		case next.channel <- c.Now():
		default:
		}
	}
}

// stepToNext advances the clock to the earliest pending deadline at or
// before target and returns that waiter, rescheduling tickers for
// their next interval and removing one-shot waiters. When no waiter
// remains within the window it leaves the clock at target and returns
// nil.
func (c *FakeClock) stepToNext(target time.Time) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *waiter
	kept := c.waiters[:0]
	for _, pending := range c.waiters {
		if pending.stopped {
			continue
		}
		kept = append(kept, pending)
		if pending.deadline.After(target) {
			continue
		}
		if next == nil || pending.deadline.Before(next.deadline) {
			next = pending
		}
	}
	c.waiters = kept

	if next == nil {
		c.current = target
		return nil
	}
	if next.deadline.After(c.current) {
		c.current = next.deadline
	}
	if next.interval > 0 {
		next.deadline = next.deadline.Add(next.interval)
		return next
	}
	next.fired = true
	for i, pending := range c.waiters {
		if pending == next {
			c.waiters = append(c.waiters[:i:i], c.waiters[i+1:]...)
			break
		}
	}
	return next
}

// WaitForTimers blocks until at least n waiters are registered and
// pending. Tests use it to close the race between a goroutine under
// test registering its timer and the test advancing the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of registered, unfired waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, pending := range c.waiters {
		if !pending.stopped {
			count++
		}
	}
	return count
}
