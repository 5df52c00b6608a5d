// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Handler consumes the payload of one event. Handlers run
// synchronously on the connection's read goroutine, in registration
// order for their kind; a handler that panics is isolated and logged
// so it cannot block delivery to the remaining handlers.
type Handler func(payload json.RawMessage)

// Subscription identifies one registered handler for Unregister.
type Subscription struct {
	kind EventKind
	id   uint64
}

// Dispatcher decodes inbound frames into typed events and fans them
// out to registered handlers. It is the only component that parses
// envelopes; consumers see payloads for the kinds they asked for and
// nothing else.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	handlers map[EventKind][]handlerEntry
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewDispatcher creates a Dispatcher. A nil logger falls back to
// slog.Default().
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[EventKind][]handlerEntry),
	}
}

// Register adds a handler for one event kind. Handlers for the same
// kind are invoked in registration order.
func (d *Dispatcher) Register(kind EventKind, handler Handler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	subscription := Subscription{kind: kind, id: d.nextID}
	d.handlers[kind] = append(d.handlers[kind], handlerEntry{id: subscription.id, handler: handler})
	return subscription
}

// Unregister removes a previously registered handler. Unregistering
// twice, or unregistering a zero Subscription, is a no-op.
func (d *Dispatcher) Unregister(subscription Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.handlers[subscription.kind]
	for i, entry := range entries {
		if entry.id == subscription.id {
			d.handlers[subscription.kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch parses one inbound frame and delivers its payload to every
// handler registered for the frame's kind. Unparseable frames and
// unknown kinds are logged and dropped: the server evolving its
// protocol must never crash the monitor.
//
// The handler list is copied before invocation, so a handler may
// Register or Unregister without deadlocking; changes take effect
// from the next dispatched frame.
func (d *Dispatcher) Dispatch(frame []byte) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		d.logger.Warn("dropping unparseable frame", "error", err, "bytes", len(frame))
		return
	}
	if !knownKinds[envelope.Type] {
		d.logger.Warn("dropping frame of unknown kind", "kind", string(envelope.Type))
		return
	}

	d.mu.Lock()
	entries := make([]handlerEntry, len(d.handlers[envelope.Type]))
	copy(entries, d.handlers[envelope.Type])
	d.mu.Unlock()

	for _, entry := range entries {
		d.invoke(envelope.Type, entry, envelope.Data)
	}
}

// invoke runs one handler, containing any panic so the remaining
// handlers still receive the event.
func (d *Dispatcher) invoke(kind EventKind, entry handlerEntry, payload json.RawMessage) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("event handler panicked", "kind", string(kind), "panic", recovered)
		}
	}()
	entry.handler(payload)
}
