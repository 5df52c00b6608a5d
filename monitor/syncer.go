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

	"github.com/GaryChine-byte/PhoneAgent/lib/clock"
)

// SyncPhase is the synchronizer's state for the currently observed
// task.
type SyncPhase int

const (
	// PhaseIdle: no task selected.
	PhaseIdle SyncPhase = iota
	// PhaseLoading: baseline fetch in progress (retried until it
	// succeeds or the task is switched away).
	PhaseLoading
	// PhaseTracking: baseline loaded; push and poll paths both feed
	// the step list.
	PhaseTracking
	// PhaseFinished: task reached a terminal status. The poll path has
	// stopped; late push deliveries are still accepted.
	PhaseFinished
)

func (p SyncPhase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseTracking:
		return "tracking"
	case PhaseFinished:
		return "finished"
	}
	return fmt.Sprintf("SyncPhase(%d)", int(p))
}

// TaskSnapshot is the published read-only projection of the observed
// task. The UI renders snapshots and never mutates synchronizer
// state; Steps is a fresh copy on every call.
//
// FreshFrom is the index of the first step still flagged "just
// arrived" for the UI's highlight cycle; it equals len(Steps) when no
// step is fresh. The flag clears on the next lifecycle tick.
type TaskSnapshot struct {
	TaskID      string
	Instruction string
	DeviceID    string
	Status      TaskStatus
	StartedAt   time.Time
	Result      string
	Error       string
	Steps       []Step
	FreshFrom   int
	Elapsed     time.Duration
	Phase       SyncPhase
}

// SyncerConfig holds configuration for creating a Syncer.
type SyncerConfig struct {
	// API is the REST poll collaborator. Required.
	API TaskAPI
	// Dispatcher supplies the push path. Required.
	Dispatcher *Dispatcher
	// Clock drives the poll and lifecycle tickers. If nil, clock.Real().
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// PollInterval is the snapshot poll cadence. Zero means 1s.
	PollInterval time.Duration

	// OnUpdate, if set, is called with a fresh snapshot after every
	// accepted change. Called without internal locks held.
	OnUpdate func(TaskSnapshot)

	// OnPendingQuestion, if set, receives an intervention request the
	// poll path observed on the task. This is the poll-side safety net
	// for a human_intervention_needed event lost during a reconnect
	// window; the coordinator de-duplicates.
	OnPendingQuestion func(InterventionRequest)
}

// Syncer maintains the ordered step sequence for one observed task by
// merging push events with periodic full-snapshot polls.
//
// Two rules keep the sequence gap-free and duplicate-free:
//
//   - A pushed step is appended only when its index is exactly the
//     next expected one; anything else is dropped with a warning.
//   - A polled list replaces the local one only when it is strictly
//     longer; equal or shorter results are ignored, so locally known
//     steps are never truncated or reordered.
type Syncer struct {
	api          TaskAPI
	dispatcher   *Dispatcher
	clock        clock.Clock
	logger       *slog.Logger
	pollInterval time.Duration
	onUpdate     func(TaskSnapshot)
	onPending    func(InterventionRequest)

	mu            sync.Mutex
	session       uint64
	phase         SyncPhase
	taskID        string
	state         TaskState
	steps         []Step
	freshFrom     int
	elapsed       time.Duration
	subscriptions []Subscription
	stopLoops     chan struct{}
}

// NewSyncer creates a Syncer. Call Track to start observing a task.
func NewSyncer(config SyncerConfig) (*Syncer, error) {
	if config.API == nil {
		return nil, fmt.Errorf("monitor: API is required")
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
	pollInterval := config.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	return &Syncer{
		api:          config.API,
		dispatcher:   config.Dispatcher,
		clock:        timeSource,
		logger:       logger,
		pollInterval: pollInterval,
		onUpdate:     config.OnUpdate,
		onPending:    config.OnPendingQuestion,
		phase:        PhaseIdle,
	}, nil
}

// Track starts observing taskID: it loads the authoritative baseline
// (task metadata plus full step list), then keeps the projection
// current through the push and poll paths. Tracking a new task
// releases every resource held for the previous one first.
func (s *Syncer) Track(taskID string) {
	s.Stop()

	s.mu.Lock()
	s.session++
	session := s.session
	s.phase = PhaseLoading
	s.taskID = taskID
	s.state = TaskState{TaskID: taskID}
	s.steps = nil
	s.freshFrom = 0
	s.elapsed = 0
	s.stopLoops = make(chan struct{})
	s.subscriptions = []Subscription{
		s.dispatcher.Register(EventTaskStepUpdate, s.handleStepUpdate),
		s.dispatcher.Register(EventTaskStatusChange, s.handleStatusChange),
		s.dispatcher.Register(EventTaskUpdate, s.handleStatusChange),
		s.dispatcher.Register(EventTaskCancelled, s.handleCancelled),
	}
	s.mu.Unlock()

	s.publish()
	go s.loadBaseline(session)
}

// Stop releases everything held for the observed task: dispatcher
// subscriptions, the poll loop, and the lifecycle ticker. This is the
// mandatory resource-release point on task switch, not only on
// teardown. The last snapshot remains readable.
func (s *Syncer) Stop() {
	s.mu.Lock()
	s.session++
	for _, subscription := range s.subscriptions {
		s.dispatcher.Unregister(subscription)
	}
	s.subscriptions = nil
	if s.stopLoops != nil {
		close(s.stopLoops)
		s.stopLoops = nil
	}
	s.phase = PhaseIdle
	s.mu.Unlock()
}

// Snapshot returns the current published projection.
func (s *Syncer) Snapshot() TaskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Syncer) snapshotLocked() TaskSnapshot {
	steps := make([]Step, len(s.steps))
	copy(steps, s.steps)

	var startedAt time.Time
	if s.state.StartedAt != nil {
		startedAt = *s.state.StartedAt
	}
	return TaskSnapshot{
		TaskID:      s.taskID,
		Instruction: s.state.Instruction,
		DeviceID:    s.state.DeviceID,
		Status:      s.state.Status,
		StartedAt:   startedAt,
		Result:      s.state.Result,
		Error:       s.state.Error,
		Steps:       steps,
		FreshFrom:   s.freshFrom,
		Elapsed:     s.elapsed,
		Phase:       s.phase,
	}
}

// publish delivers a fresh snapshot to the update callback.
func (s *Syncer) publish() {
	if s.onUpdate == nil {
		return
	}
	s.mu.Lock()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	s.onUpdate(snapshot)
}

// loadBaseline fetches task metadata and the full step list, retrying
// on failure every poll interval. A baseline failure is not fatal: the
// synchronizer stays in loading and tries again.
func (s *Syncer) loadBaseline(session uint64) {
	ctx := context.Background()
	for {
		state, steps, err := s.fetchAll(ctx)
		if err == nil {
			if !s.applyBaseline(session, state, steps) {
				return
			}
			s.publish()
			s.forwardPendingQuestion(session, state)
			go s.pollLoop(session)
			go s.lifecycleLoop(session)
			return
		}

		s.logger.Warn("baseline fetch failed, retrying", "task", s.observedTask(), "error", err)
		select {
		case <-s.clock.After(s.pollInterval):
		case <-s.stopChannel(session):
			return
		}
		if !s.sessionCurrent(session) {
			return
		}
	}
}

// applyBaseline installs the fetched baseline. Reports false when the
// session went stale while fetching.
func (s *Syncer) applyBaseline(session uint64, state TaskState, steps []Step) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != session {
		return false
	}
	s.state = state
	s.steps = steps
	// Baseline steps are history, not arrivals; nothing is fresh.
	s.freshFrom = len(steps)
	s.phase = PhaseTracking
	s.updateElapsedLocked()
	if state.Status.Terminal() {
		s.finishLocked()
	}
	return true
}

// fetchAll retrieves the scalar task state and the full step list.
func (s *Syncer) fetchAll(ctx context.Context) (TaskState, []Step, error) {
	taskID := s.observedTask()
	state, err := s.api.GetTask(ctx, taskID)
	if err != nil {
		return TaskState{}, nil, err
	}
	steps, err := s.api.GetTaskSteps(ctx, taskID)
	if err != nil {
		return TaskState{}, nil, err
	}
	return state, steps, nil
}

// pollLoop is the poll safety net: a full snapshot fetch on a fixed
// interval for as long as the task is not terminal. Push delivery
// lost during a reconnect window is exactly the gap this repairs.
func (s *Syncer) pollLoop(session uint64) {
	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()
	stop := s.stopChannel(session)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.session != session || s.phase != PhaseTracking {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		state, steps, err := s.fetchAll(context.Background())
		if err != nil {
			// Logged and skipped; the next tick tries again.
			s.logger.Warn("poll tick failed", "task", s.observedTask(), "error", err)
			continue
		}
		if s.applyPoll(session, state, steps) {
			s.publish()
			s.forwardPendingQuestion(session, state)
		}
	}
}

// applyPoll merges one polled snapshot. Scalar fields are overwritten
// idempotently; the step list is replaced only when the polled list is
// strictly longer. Reports false when the session went stale.
func (s *Syncer) applyPoll(session uint64, state TaskState, steps []Step) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != session {
		return false
	}

	s.state = state
	if len(steps) > len(s.steps) {
		s.freshFrom = len(s.steps)
		s.steps = steps
	} else if len(steps) < len(s.steps) {
		// Never truncate locally known steps.
		s.logger.Warn("poll returned fewer steps than known, ignoring",
			"task", s.taskID, "polled", len(steps), "known", len(s.steps))
	}
	s.updateElapsedLocked()
	if state.Status.Terminal() && s.phase == PhaseTracking {
		s.finishLocked()
	}
	return true
}

// handleStepUpdate is the push path: appended steps arrive as
// task_step_update events. A step is accepted only at the next
// expected index; duplicates (resubscription after reconnect) and
// gaps (reordered delivery) are dropped with a warning and left for
// the poll path to repair.
func (s *Syncer) handleStepUpdate(payload json.RawMessage) {
	var update StepUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		s.logger.Warn("unparseable task_step_update", "error", err)
		return
	}

	s.mu.Lock()
	if update.TaskID != s.taskID || s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	if s.phase == PhaseLoading {
		// The baseline fetch will include these steps.
		s.mu.Unlock()
		s.logger.Debug("step update during baseline load, dropped", "task", update.TaskID)
		return
	}

	accepted := 0
	for _, step := range update.Steps {
		if step.StepIndex != len(s.steps) {
			s.logger.Warn("discarding out-of-order step delivery",
				"task", s.taskID, "step_index", step.StepIndex, "expected", len(s.steps))
			continue
		}
		if accepted == 0 {
			s.freshFrom = len(s.steps)
		}
		s.steps = append(s.steps, step)
		accepted++
	}
	s.mu.Unlock()

	if accepted > 0 {
		s.publish()
	}
}

// handleStatusChange applies task_status_change and task_update
// events: scalar overwrites of status, result, and error.
func (s *Syncer) handleStatusChange(payload json.RawMessage) {
	var change StatusChange
	if err := json.Unmarshal(payload, &change); err != nil {
		s.logger.Warn("unparseable task status event", "error", err)
		return
	}

	s.mu.Lock()
	if change.TaskID != s.taskID || s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	s.state.Status = change.Status
	if change.StartedAt != nil {
		s.state.StartedAt = change.StartedAt
	}
	if change.Result != "" {
		s.state.Result = change.Result
	}
	if change.Error != "" {
		s.state.Error = change.Error
	}
	s.updateElapsedLocked()
	if change.Status.Terminal() && s.phase == PhaseTracking {
		s.finishLocked()
	}
	s.mu.Unlock()

	s.publish()
}

// handleCancelled applies task_cancelled events.
func (s *Syncer) handleCancelled(payload json.RawMessage) {
	var cancelled TaskCancelled
	if err := json.Unmarshal(payload, &cancelled); err != nil {
		s.logger.Warn("unparseable task_cancelled", "error", err)
		return
	}

	s.mu.Lock()
	if cancelled.TaskID != s.taskID || s.phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	s.state.Status = StatusCancelled
	if s.phase == PhaseTracking {
		s.finishLocked()
	}
	s.mu.Unlock()

	s.publish()
}

// finishLocked transitions to finished and stops the poll and
// lifecycle loops. Dispatcher subscriptions stay registered so a late
// push delivery is still accepted into the step list.
func (s *Syncer) finishLocked() {
	s.phase = PhaseFinished
	if s.stopLoops != nil {
		close(s.stopLoops)
		s.stopLoops = nil
	}
}

// lifecycleLoop ticks once a second while the task runs: it refreshes
// the derived elapsed time and retires the "just arrived" highlight
// flag after one cycle.
func (s *Syncer) lifecycleLoop(session uint64) {
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()
	stop := s.stopChannel(session)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.session != session || s.phase != PhaseTracking {
			s.mu.Unlock()
			return
		}
		s.freshFrom = len(s.steps)
		changed := s.updateElapsedLocked()
		s.mu.Unlock()

		if changed {
			s.publish()
		}
	}
}

// updateElapsedLocked recomputes the derived running time. Terminal
// tasks freeze at completed-started when the server supplied a
// completion time; otherwise the last computed value stands.
func (s *Syncer) updateElapsedLocked() bool {
	if s.state.StartedAt == nil {
		return false
	}
	switch {
	case s.state.Status.Terminal():
		if s.state.CompletedAt != nil {
			s.elapsed = s.state.CompletedAt.Sub(*s.state.StartedAt)
		}
	case s.state.Status == StatusRunning || s.state.Status == StatusWaitingForUser:
		s.elapsed = s.clock.Now().Sub(*s.state.StartedAt)
	default:
		return false
	}
	return true
}

// forwardPendingQuestion hands a poll-observed intervention request to
// the coordinator when the task is waiting on one.
func (s *Syncer) forwardPendingQuestion(session uint64, state TaskState) {
	if s.onPending == nil || state.PendingQuestion == nil {
		return
	}
	if !s.sessionCurrent(session) {
		return
	}
	s.onPending(*state.PendingQuestion)
}

func (s *Syncer) observedTask() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

func (s *Syncer) sessionCurrent(session uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session == session
}

// stopChannel returns the session's stop channel, or an already
// closed channel when the session is stale.
func (s *Syncer) stopChannel(session uint64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != session || s.stopLoops == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.stopLoops
}
