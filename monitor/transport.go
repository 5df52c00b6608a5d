// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import "context"

// Transport is one live duplex connection to the server. Messages are
// whole frames (one JSON envelope per frame); the transport owns
// framing, the monitor owns content.
//
// ReadMessage blocks until a frame arrives or the connection dies.
// After Close, or after the peer disconnects, ReadMessage returns an
// error; that error is the connection manager's disconnect signal.
//
// WriteMessage must be safe to call concurrently with ReadMessage.
// Implementations serialize concurrent writers internally.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

// Dialer opens transports. The connection manager owns exactly one
// live Transport at a time and dials a fresh one for every reconnect
// attempt.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (Transport, error) {
	return f(ctx, url)
}
