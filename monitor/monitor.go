// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GaryChine-byte/PhoneAgent/lib/clock"
)

// Config holds configuration for creating a Monitor.
type Config struct {
	// API is the REST collaborator. Required.
	API TaskAPI
	// PushURL is the push-channel endpoint. Required.
	PushURL string
	// Dialer opens push-channel transports. If nil, a WebSocketDialer.
	Dialer Dialer
	// Clock drives every timer. If nil, clock.Real().
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// HeartbeatInterval, PollInterval, BackoffFloor, BackoffCeiling,
	// and MaxAttempts tune the channel; zero values take the component
	// defaults (30s, 1s, 1s, 30s, 10).
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	BackoffFloor      time.Duration
	BackoffCeiling    time.Duration
	MaxAttempts       int

	// JournalDir, when set, enables the per-task event journal.
	JournalDir string
}

// Monitor assembles the live task channel: one shared connection, the
// event dispatcher, the device projection, and — per watched task —
// the step synchronizer and intervention coordinator.
//
// The UI surface is pull-based: Updates signals "something changed",
// and the UI reads the current Snapshot, Prompt, Devices, and
// Connected state. Everything returned is a copy; the UI never
// touches synchronizer-owned state.
type Monitor struct {
	api        TaskAPI
	dispatcher *Dispatcher
	conn       *Conn
	devices    *DeviceTracker
	syncer     *Syncer
	clock      clock.Clock
	logger     *slog.Logger
	journalDir string

	updates chan struct{}

	mu          sync.Mutex
	coordinator *Coordinator
	journal     *Journal
	connected   bool
	fatalErr    error
}

// New creates a Monitor. Call Watch to select a task and bring the
// channel up.
func New(config Config) (*Monitor, error) {
	if config.API == nil {
		return nil, fmt.Errorf("monitor: API is required")
	}
	if config.PushURL == "" {
		return nil, fmt.Errorf("monitor: PushURL is required")
	}
	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}

	m := &Monitor{
		api:        config.API,
		clock:      timeSource,
		logger:     logger,
		journalDir: config.JournalDir,
		updates:    make(chan struct{}, 1),
	}
	m.dispatcher = NewDispatcher(logger)
	m.devices = NewDeviceTracker(m.dispatcher, logger)

	conn, err := NewConn(ConnConfig{
		URL:               config.PushURL,
		Dialer:            dialer,
		Dispatcher:        m.dispatcher,
		Clock:             timeSource,
		Logger:            logger,
		HeartbeatInterval: config.HeartbeatInterval,
		BackoffFloor:      config.BackoffFloor,
		BackoffCeiling:    config.BackoffCeiling,
		MaxAttempts:       config.MaxAttempts,
		OnStateChange:     m.handleConnState,
		OnFrame:           m.recordFrame,
	})
	if err != nil {
		return nil, err
	}
	m.conn = conn

	syncer, err := NewSyncer(SyncerConfig{
		API:               config.API,
		Dispatcher:        m.dispatcher,
		Clock:             timeSource,
		Logger:            logger,
		PollInterval:      config.PollInterval,
		OnUpdate:          func(TaskSnapshot) { m.notify() },
		OnPendingQuestion: m.handlePendingQuestion,
	})
	if err != nil {
		return nil, err
	}
	m.syncer = syncer

	return m, nil
}

// Watch selects the task to observe, connects the push channel, and
// starts synchronization. Watching a new task releases everything
// held for the previous one: its poll loop, its countdown, its
// subscriptions, its journal.
func (m *Monitor) Watch(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("monitor: task ID is required")
	}

	m.mu.Lock()
	if m.coordinator != nil {
		m.coordinator.Close()
		m.coordinator = nil
	}
	if m.journal != nil {
		m.journal.Close()
		m.journal = nil
	}
	m.fatalErr = nil
	m.mu.Unlock()

	coordinator, err := NewCoordinator(CoordinatorConfig{
		TaskID:     taskID,
		Dispatcher: m.dispatcher,
		Sender:     m.conn,
		Clock:      m.clock,
		Logger:     m.logger,
		OnPrompt:   func(Prompt) { m.notify() },
		OnResolved: func(string, InterventionResponse) { m.notify() },
	})
	if err != nil {
		return err
	}

	var journal *Journal
	if m.journalDir != "" {
		journal, err = OpenJournal(m.journalDir, taskID, m.clock, m.logger)
		if err != nil {
			// Journaling is best-effort; run without it.
			m.logger.Warn("event journal unavailable", "error", err)
		}
	}

	m.mu.Lock()
	m.coordinator = coordinator
	m.journal = journal
	m.mu.Unlock()

	m.syncer.Track(taskID)
	m.conn.Connect()
	return nil
}

// Close releases every resource: subscriptions, loops, timers, the
// transport, and the journal.
func (m *Monitor) Close() {
	m.syncer.Stop()
	m.devices.Close()

	m.mu.Lock()
	coordinator := m.coordinator
	journal := m.journal
	m.coordinator = nil
	m.journal = nil
	m.mu.Unlock()

	if coordinator != nil {
		coordinator.Close()
	}
	m.conn.Disconnect()
	if journal != nil {
		journal.Close()
	}
}

// Updates signals that the snapshot, prompt, or connectivity changed.
// Coalesced: one pending signal at most, so a slow consumer sees
// "dirty" rather than a backlog.
func (m *Monitor) Updates() <-chan struct{} { return m.updates }

// Snapshot returns the current task projection.
func (m *Monitor) Snapshot() TaskSnapshot { return m.syncer.Snapshot() }

// Devices returns the device fleet projection.
func (m *Monitor) Devices() []DeviceInfo { return m.devices.Devices() }

// Prompt returns the outstanding intervention prompt, or nil.
func (m *Monitor) Prompt() *Prompt {
	m.mu.Lock()
	coordinator := m.coordinator
	m.mu.Unlock()
	if coordinator == nil {
		return nil
	}
	return coordinator.Pending()
}

// Connected reports whether the push channel is open. The poll path
// keeps the projection current either way.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// FatalErr returns ErrConnectivityLost once reconnection attempts are
// exhausted, nil otherwise.
func (m *Monitor) FatalErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Now reports the monitor's clock time. Consumers use it against
// Prompt deadlines so countdown displays agree with the monitor's own
// timers.
func (m *Monitor) Now() time.Time { return m.clock.Now() }

// Answer resolves the pending intervention with the operator's value.
func (m *Monitor) Answer(value string) error {
	m.mu.Lock()
	coordinator := m.coordinator
	m.mu.Unlock()
	if coordinator == nil {
		return ErrNoPendingIntervention
	}
	return coordinator.Answer(value)
}

// CancelIntervention resolves the pending intervention as cancelled
// without cancelling the task.
func (m *Monitor) CancelIntervention() error {
	m.mu.Lock()
	coordinator := m.coordinator
	m.mu.Unlock()
	if coordinator == nil {
		return ErrNoPendingIntervention
	}
	return coordinator.Cancel()
}

// CancelTask cancels the watched task on the server. Any pending
// intervention is resolved as cancelled too: the server should not
// keep waiting on a question for a task the operator just killed.
func (m *Monitor) CancelTask(ctx context.Context) error {
	snapshot := m.syncer.Snapshot()
	if snapshot.TaskID == "" {
		return fmt.Errorf("monitor: no task selected")
	}

	m.mu.Lock()
	coordinator := m.coordinator
	m.mu.Unlock()
	if coordinator != nil {
		if err := coordinator.Cancel(); err != nil && err != ErrNoPendingIntervention {
			return err
		}
	}
	return m.api.CancelTask(ctx, snapshot.TaskID)
}

// handleConnState records connectivity for the UI and captures fatal
// exhaustion.
func (m *Monitor) handleConnState(state ConnState, err error) {
	m.mu.Lock()
	m.connected = state == StateOpen
	if err != nil {
		m.fatalErr = err
	}
	m.mu.Unlock()
	m.notify()
}

// handlePendingQuestion is the poll-side intervention safety net.
func (m *Monitor) handlePendingQuestion(request InterventionRequest) {
	m.mu.Lock()
	coordinator := m.coordinator
	m.mu.Unlock()
	if coordinator != nil {
		coordinator.Request(request)
	}
}

// recordFrame feeds the journal, when one is open.
func (m *Monitor) recordFrame(frame []byte) {
	m.mu.Lock()
	journal := m.journal
	m.mu.Unlock()
	if journal != nil {
		journal.Record(frame)
	}
}

// notify delivers the coalesced dirty signal.
func (m *Monitor) notify() {
	select {
	case m.updates <- struct{}{}:
	default:
	}
}
