// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GaryChine-byte/PhoneAgent/lib/clock"
)

// ConnState is the connection manager's lifecycle state.
type ConnState int

const (
	// StateIdle: no transport, no dial in flight. The initial state,
	// and the state while waiting out a reconnect backoff.
	StateIdle ConnState = iota
	// StateConnecting: a dial is in flight.
	StateConnecting
	// StateOpen: the transport is live; Send works, heartbeats flow.
	StateOpen
	// StateClosing: Disconnect is tearing the transport down.
	StateClosing
	// StateClosed: no transport and no reconnect scheduled. Reached by
	// explicit Disconnect or by reconnect exhaustion.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// ConnConfig holds configuration for creating a Conn.
type ConnConfig struct {
	// URL is the push-channel endpoint.
	URL string
	// Dialer opens transports. Required.
	Dialer Dialer
	// Dispatcher receives every inbound frame. Required.
	Dispatcher *Dispatcher
	// Clock drives the heartbeat and backoff timers. If nil, clock.Real().
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// HeartbeatInterval is the gap between liveness pings. Zero means 30s.
	HeartbeatInterval time.Duration
	// BackoffFloor is the first reconnect delay. Zero means 1s.
	BackoffFloor time.Duration
	// BackoffCeiling caps the doubling delay. Zero means 30s.
	BackoffCeiling time.Duration
	// MaxAttempts bounds automatic reconnection. Zero means 10.
	MaxAttempts int

	// ClientID identifies this monitor in the subscribe message. Empty
	// means a fresh UUID.
	ClientID string

	// OnStateChange, if set, is called after every state transition.
	// err is non-nil only for fatal connectivity loss
	// (ErrConnectivityLost). Called without internal locks held; it
	// may call back into the Conn.
	OnStateChange func(state ConnState, err error)

	// OnFrame, if set, observes every inbound frame before dispatch.
	// Used by the event journal. Must not block.
	OnFrame func(frame []byte)
}

// Conn owns the single live push-channel transport: connect,
// heartbeat, disconnect detection, and reconnection with exponential
// backoff. Consumers share one Conn; only the Conn itself ever closes
// the transport.
type Conn struct {
	url        string
	dialer     Dialer
	dispatcher *Dispatcher
	clock      clock.Clock
	logger     *slog.Logger

	heartbeatInterval time.Duration
	backoffFloor      time.Duration
	backoffCeiling    time.Duration
	maxAttempts       int
	clientID          string
	onStateChange     func(ConnState, error)
	onFrame           func([]byte)

	mu               sync.Mutex
	state            ConnState
	transport        Transport
	generation       uint64
	reconnectAttempt int
	backoff          time.Duration
	reconnectTimer   *clock.Timer
	heartbeatStop    chan struct{}
	dialCancel       context.CancelFunc
	unansweredPings  int
}

// NewConn creates a connection manager. It does not dial; call
// Connect to bring the channel up.
func NewConn(config ConnConfig) (*Conn, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("monitor: URL is required")
	}
	if config.Dialer == nil {
		return nil, fmt.Errorf("monitor: Dialer is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("monitor: Dispatcher is required")
	}

	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := config.HeartbeatInterval
	if heartbeat == 0 {
		heartbeat = 30 * time.Second
	}
	floor := config.BackoffFloor
	if floor == 0 {
		floor = time.Second
	}
	ceiling := config.BackoffCeiling
	if ceiling == 0 {
		ceiling = 30 * time.Second
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 10
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	connection := &Conn{
		url:               config.URL,
		dialer:            config.Dialer,
		dispatcher:        config.Dispatcher,
		clock:             timeSource,
		logger:            logger,
		heartbeatInterval: heartbeat,
		backoffFloor:      floor,
		backoffCeiling:    ceiling,
		maxAttempts:       maxAttempts,
		clientID:          clientID,
		onStateChange:     config.OnStateChange,
		onFrame:           config.OnFrame,
		state:             StateIdle,
		backoff:           floor,
	}

	// The Conn consumes its own pong events through the dispatcher
	// like any other subscriber.
	config.Dispatcher.Register(EventPong, func(json.RawMessage) {
		connection.mu.Lock()
		connection.unansweredPings = 0
		connection.mu.Unlock()
	})

	return connection, nil
}

// Connect brings the channel up. Idempotent: while a dial is in
// flight or the transport is already open it is a no-op. From idle or
// closed it starts a fresh dial; calling it from closed is how a
// caller manually retries after reconnect exhaustion.
func (c *Conn) Connect() {
	c.mu.Lock()
	switch c.state {
	case StateOpen, StateConnecting, StateClosing:
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("connect ignored", "state", state.String())
		return
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.generation++
	generation := c.generation
	dialCtx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	c.mu.Unlock()

	c.notify(StateConnecting, nil)
	go c.dial(dialCtx, generation)
}

// dial runs one connection attempt and either promotes the result to
// the live transport or schedules the next attempt.
func (c *Conn) dial(ctx context.Context, generation uint64) {
	transport, err := c.dialer.Dial(ctx, c.url)

	c.mu.Lock()
	if c.generation != generation || c.state != StateConnecting {
		// Disconnect (or a newer Connect) won the race; this result
		// is stale.
		c.mu.Unlock()
		if err == nil {
			transport.Close()
		}
		return
	}
	c.dialCancel = nil

	if err != nil {
		c.logger.Warn("push channel dial failed", "url", c.url, "error", err)
		c.scheduleReconnectLocked()
		return
	}

	c.transport = transport
	c.state = StateOpen
	c.reconnectAttempt = 0
	c.backoff = c.backoffFloor
	c.unansweredPings = 0
	heartbeatStop := make(chan struct{})
	c.heartbeatStop = heartbeatStop
	c.mu.Unlock()

	c.logger.Info("push channel open", "url", c.url)
	c.notify(StateOpen, nil)
	c.Send(kindSubscribe, subscribePayload{ClientID: c.clientID})

	go c.readLoop(generation, transport)
	go c.heartbeatLoop(generation, heartbeatStop)
}

// readLoop pumps inbound frames into the dispatcher until the
// transport dies.
func (c *Conn) readLoop(generation uint64, transport Transport) {
	for {
		frame, err := transport.ReadMessage()
		if err != nil {
			c.transportClosed(generation, err)
			return
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
		c.dispatcher.Dispatch(frame)
	}
}

// heartbeatLoop sends a liveness ping every interval while the
// transport is open. Two consecutive unanswered pings force the
// transport closed so the normal reconnect path takes over; the
// transport's own close error remains the disconnect signal.
func (c *Conn) heartbeatLoop(generation uint64, stop chan struct{}) {
	ticker := c.clock.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.generation != generation || c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		if c.unansweredPings >= 2 {
			transport := c.transport
			c.mu.Unlock()
			c.logger.Warn("no pong for two heartbeat intervals, forcing reconnect")
			transport.Close()
			return
		}
		c.unansweredPings++
		c.mu.Unlock()

		c.Send(kindPing, nil)
	}
}

// transportClosed handles a transport death not initiated by
// Disconnect: release the dead transport and schedule reconnection.
func (c *Conn) transportClosed(generation uint64, cause error) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("push channel lost", "error", cause)
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked either arms the backoff timer for the next
// attempt or, past the attempt ceiling, parks the manager in the
// terminal closed state. Called with c.mu held; always releases it.
func (c *Conn) scheduleReconnectLocked() {
	if c.reconnectAttempt >= c.maxAttempts {
		c.state = StateClosed
		attempts := c.reconnectAttempt
		c.mu.Unlock()
		c.logger.Error("reconnect attempts exhausted", "attempts", attempts)
		c.notify(StateClosed, ErrConnectivityLost)
		return
	}

	c.reconnectAttempt++
	attempt := c.reconnectAttempt
	delay := c.backoff
	c.backoff *= 2
	if c.backoff > c.backoffCeiling {
		c.backoff = c.backoffCeiling
	}
	c.state = StateIdle
	c.reconnectTimer = c.clock.AfterFunc(delay, c.Connect)
	c.mu.Unlock()

	c.logger.Info("reconnect scheduled", "attempt", attempt, "max_attempts", c.maxAttempts, "delay", delay)
	c.notify(StateIdle, nil)
}

// Disconnect tears the channel down and cancels any scheduled
// reconnection. No further automatic dialing happens until the caller
// invokes Connect again.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	// Invalidate every outstanding goroutine and timer.
	c.generation++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	transport := c.transport
	c.transport = nil
	c.state = StateClosing
	c.mu.Unlock()

	if transport != nil {
		transport.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.logger.Info("push channel closed")
	c.notify(StateClosed, nil)
}

// Send marshals and writes one message. Valid only while open;
// otherwise it is a logged no-op and the caller must not assume
// delivery — the poll path is the safety net for anything that
// matters.
func (c *Conn) Send(kind EventKind, payload any) {
	c.mu.Lock()
	transport := c.transport
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open || transport == nil {
		c.logger.Warn("dropping outbound message, push channel not open", "kind", string(kind))
		return
	}

	frame, err := encodeEnvelope(kind, payload)
	if err != nil {
		c.logger.Error("failed to encode outbound message", "kind", string(kind), "error", err)
		return
	}
	if err := transport.WriteMessage(frame); err != nil {
		// The read loop will observe the same dead transport and
		// drive reconnection; nothing more to do here.
		c.logger.Warn("outbound write failed", "kind", string(kind), "error", err)
	}
}

// SendInterventionResponse writes a human_intervention_response
// message. Used by the intervention coordinator.
func (c *Conn) SendInterventionResponse(response InterventionResponse) {
	c.Send(kindInterventionResponse, response)
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the push channel is open.
func (c *Conn) Connected() bool {
	return c.State() == StateOpen
}

// notify invokes the state-change callback, if any.
func (c *Conn) notify(state ConnState, err error) {
	if c.onStateChange != nil {
		c.onStateChange(state, err)
	}
}
