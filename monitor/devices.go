// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// DeviceTracker keeps a read-only projection of the device fleet from
// initial_state and device_update events: which devices are online,
// their battery and network. Display state only; nothing in the live
// channel depends on it.
type DeviceTracker struct {
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]DeviceInfo

	subscriptions []Subscription
	dispatcher    *Dispatcher
}

// NewDeviceTracker creates a tracker and registers it for device
// events.
func NewDeviceTracker(dispatcher *Dispatcher, logger *slog.Logger) *DeviceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	tracker := &DeviceTracker{
		logger:     logger,
		devices:    make(map[string]DeviceInfo),
		dispatcher: dispatcher,
	}
	tracker.subscriptions = []Subscription{
		dispatcher.Register(EventInitialState, tracker.handleInitialState),
		dispatcher.Register(EventDeviceUpdate, tracker.handleDeviceUpdate),
	}
	return tracker
}

// Close unregisters the tracker from the dispatcher.
func (t *DeviceTracker) Close() {
	for _, subscription := range t.subscriptions {
		t.dispatcher.Unregister(subscription)
	}
	t.subscriptions = nil
}

// Devices returns the known devices sorted by ID.
func (t *DeviceTracker) Devices() []DeviceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	devices := make([]DeviceInfo, 0, len(t.devices))
	for _, device := range t.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}

// Device returns one device's info by ID.
func (t *DeviceTracker) Device(deviceID string) (DeviceInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	device, ok := t.devices[deviceID]
	return device, ok
}

func (t *DeviceTracker) handleInitialState(payload json.RawMessage) {
	var state InitialState
	if err := json.Unmarshal(payload, &state); err != nil {
		t.logger.Warn("unparseable initial_state", "error", err)
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	// The initial state is a full fleet snapshot; replace, don't merge.
	t.devices = make(map[string]DeviceInfo, len(state.Devices))
	for _, device := range state.Devices {
		t.devices[device.DeviceID] = device
	}
}

func (t *DeviceTracker) handleDeviceUpdate(payload json.RawMessage) {
	var device DeviceInfo
	if err := json.Unmarshal(payload, &device); err != nil {
		t.logger.Warn("unparseable device_update", "error", err)
		return
	}
	if device.DeviceID == "" {
		t.logger.Warn("device_update without device_id, dropped")
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[device.DeviceID] = device
}
