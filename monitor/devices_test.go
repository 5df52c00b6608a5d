// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import "testing"

func dispatchFrame(t *testing.T, dispatcher *Dispatcher, kind EventKind, payload any) {
	t.Helper()
	frame, err := encodeEnvelope(kind, payload)
	if err != nil {
		t.Fatalf("encode %s frame: %v", kind, err)
	}
	dispatcher.Dispatch(frame)
}

func TestInitialStateReplacesFleet(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())
	tracker := NewDeviceTracker(dispatcher, testLogger())

	dispatchFrame(t, dispatcher, EventDeviceUpdate, DeviceInfo{DeviceID: "stale", Status: "online"})
	dispatchFrame(t, dispatcher, EventInitialState, InitialState{
		Devices: []DeviceInfo{
			{DeviceID: "pixel-7", Status: "online", Battery: 80},
			{DeviceID: "iphone-15", Status: "offline"},
		},
	})

	devices := tracker.Devices()
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2 (stale entry replaced)", len(devices))
	}
	// Sorted by ID.
	if devices[0].DeviceID != "iphone-15" || devices[1].DeviceID != "pixel-7" {
		t.Errorf("device order = %q, %q", devices[0].DeviceID, devices[1].DeviceID)
	}
	if _, ok := tracker.Device("stale"); ok {
		t.Error("stale device survived initial_state")
	}
}

func TestDeviceUpdateMerges(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())
	tracker := NewDeviceTracker(dispatcher, testLogger())

	dispatchFrame(t, dispatcher, EventInitialState, InitialState{
		Devices: []DeviceInfo{{DeviceID: "pixel-7", Status: "online", Battery: 80}},
	})
	dispatchFrame(t, dispatcher, EventDeviceUpdate, DeviceInfo{DeviceID: "pixel-7", Status: "online", Battery: 42, Network: "wifi"})
	dispatchFrame(t, dispatcher, EventDeviceUpdate, DeviceInfo{DeviceID: "iphone-15", Status: "online"})

	pixel, ok := tracker.Device("pixel-7")
	if !ok || pixel.Battery != 42 || pixel.Network != "wifi" {
		t.Errorf("pixel-7 = %+v", pixel)
	}
	if len(tracker.Devices()) != 2 {
		t.Errorf("got %d devices, want 2", len(tracker.Devices()))
	}
}

func TestDeviceUpdateWithoutIDDropped(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())
	tracker := NewDeviceTracker(dispatcher, testLogger())

	dispatchFrame(t, dispatcher, EventDeviceUpdate, DeviceInfo{Status: "online"})

	if len(tracker.Devices()) != 0 {
		t.Errorf("got %d devices after an ID-less update, want 0", len(tracker.Devices()))
	}
}

func TestDeviceTrackerClose(t *testing.T) {
	dispatcher := NewDispatcher(testLogger())
	tracker := NewDeviceTracker(dispatcher, testLogger())

	tracker.Close()
	dispatchFrame(t, dispatcher, EventDeviceUpdate, DeviceInfo{DeviceID: "pixel-7"})

	if len(tracker.Devices()) != 0 {
		t.Error("closed tracker still received updates")
	}
}
