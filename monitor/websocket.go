// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer opens Transports over websocket, the protocol the
// PhoneAgent server speaks on its push endpoint.
type WebSocketDialer struct {
	// HandshakeTimeout bounds the websocket upgrade. Zero means 10s.
	HandshakeTimeout time.Duration
}

// Dial connects to url and returns the websocket as a Transport.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	connection, response, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("monitor: websocket dial %s: %w (status %d)", url, err, response.StatusCode)
		}
		return nil, fmt.Errorf("monitor: websocket dial %s: %w", url, err)
	}
	return &webSocketTransport{connection: connection}, nil
}

// webSocketTransport adapts *websocket.Conn to the Transport
// interface. gorilla/websocket permits one concurrent reader and one
// concurrent writer; the write mutex covers the heartbeat goroutine
// and callers of Send racing each other.
type webSocketTransport struct {
	connection *websocket.Conn

	writeMu sync.Mutex
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, frame, err := t.connection.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("monitor: websocket read: %w", err)
	}
	return frame, nil
}

func (t *webSocketTransport) WriteMessage(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.connection.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("monitor: websocket write: %w", err)
	}
	return nil
}

func (t *webSocketTransport) Close() error {
	// Best-effort close frame so the server sees a clean shutdown
	// rather than an abrupt TCP reset.
	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = t.connection.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()
	return t.connection.Close()
}
