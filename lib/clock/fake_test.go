// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestFakeNowAdvances(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(90 * time.Second)
	want := epoch.Add(90 * time.Second)
	if got := fake.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfter(t *testing.T) {
	fake := Fake(epoch)
	channel := fake.After(3 * time.Second)

	select {
	case <-channel:
		t.Fatal("After fired before Advance")
	default:
	}

	fake.Advance(2 * time.Second)
	select {
	case <-channel:
		t.Fatal("After fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case <-channel:
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterFunc(t *testing.T) {
	fake := Fake(epoch)
	fired := 0
	fake.AfterFunc(5*time.Second, func() { fired++ })

	fake.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("callback fired %d times before deadline", fired)
	}
	fake.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	fake.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot callback fired %d times, want 1", fired)
	}
}

func TestFakeAfterFuncStop(t *testing.T) {
	fake := Fake(epoch)
	fired := false
	timer := fake.AfterFunc(5*time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("Stop() on a pending timer = false, want true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true, want false")
	}
	fake.Advance(time.Minute)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeAfterFuncStopAfterFire(t *testing.T) {
	fake := Fake(epoch)
	timer := fake.AfterFunc(time.Second, func() {})
	fake.Advance(time.Second)
	if timer.Stop() {
		t.Fatal("Stop() after firing = true, want false")
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	defer ticker.Stop()

	ticks := 0
	for i := 0; i < 3; i++ {
		fake.Advance(time.Second)
		select {
		case <-ticker.C:
			ticks++
		default:
			t.Fatalf("no tick after advance %d", i+1)
		}
	}
	if ticks != 3 {
		t.Fatalf("got %d ticks, want 3", ticks)
	}
}

func TestFakeTickerStop(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	ticker.Stop()
	fake.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeCallbackRegisteringTimer(t *testing.T) {
	fake := Fake(epoch)
	secondFired := false
	fake.AfterFunc(time.Second, func() {
		// Registered while the clock sits at the first deadline; its own
		// deadline still falls inside the window, so it fires within the
		// same Advance.
		fake.AfterFunc(time.Second, func() { secondFired = true })
	})
	fake.Advance(5 * time.Second)
	if !secondFired {
		t.Fatal("timer registered during Advance did not fire")
	}
	if got := fake.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("Now() after Advance = %v, want %v", got, epoch.Add(5*time.Second))
	}
}

func TestFakeAdvanceStepsThroughDeadlines(t *testing.T) {
	fake := Fake(epoch)
	var seen []time.Time
	fake.AfterFunc(2*time.Second, func() { seen = append(seen, fake.Now()) })
	fake.AfterFunc(4*time.Second, func() { seen = append(seen, fake.Now()) })
	fake.Advance(10 * time.Second)

	want := []time.Time{epoch.Add(2 * time.Second), epoch.Add(4 * time.Second)}
	if len(seen) != len(want) {
		t.Fatalf("fired %d callbacks, want %d", len(seen), len(want))
	}
	for i := range want {
		if !seen[i].Equal(want[i]) {
			t.Errorf("callback %d observed %v, want %v", i, seen[i], want[i])
		}
	}
	if got := fake.Now(); !got.Equal(epoch.Add(10 * time.Second)) {
		t.Fatalf("Now() after Advance = %v, want %v", got, epoch.Add(10*time.Second))
	}
}

func TestFakePendingCount(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.PendingCount(); got != 0 {
		t.Fatalf("PendingCount() = %d, want 0", got)
	}
	timer := fake.AfterFunc(time.Second, func() {})
	fake.NewTicker(time.Minute)
	if got := fake.PendingCount(); got != 2 {
		t.Fatalf("PendingCount() = %d, want 2", got)
	}
	timer.Stop()
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after Stop = %d, want 1", got)
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	done := make(chan struct{})
	go func() {
		fake.After(time.Second)
		close(done)
	}()
	fake.WaitForTimers(1)
	<-done
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}
}
