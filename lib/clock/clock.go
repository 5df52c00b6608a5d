// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package clock

import "time"

// Clock abstracts the time operations used by the monitor's timer-driven
// logic: heartbeats, reconnect backoff, poll ticks, intervention countdowns,
// and the elapsed-time display. Production code injects Real(); tests inject
// Fake() and advance time deterministically.
//
// Production code in this repository never calls time.Now, time.After,
// time.AfterFunc, or time.NewTicker directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. If d <= 0, the channel receives
	// immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for duration d, then calls f in its own
	// goroutine. The returned Timer cancels the pending call with
	// Stop; its C field is nil, matching time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Stop releases the underlying
// timer; it does not close C.
//
// C has capacity 1. A consumer that falls behind loses ticks rather
// than accumulating them, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. No ticks are delivered after Stop returns.
func (t *Ticker) Stop() { t.stopFunc() }

// Timer is a single scheduled call created by AfterFunc. C is always
// nil for AfterFunc timers.
type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop cancels the timer. It reports true if the call was cancelled,
// false if the timer already fired or was already stopped. Callers
// that must not race a firing callback against another resolution
// path use this return value to decide who won.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stopFunc: timer.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
