// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/GaryChine-byte/PhoneAgent/lib/clock"
)

// ResponseSender delivers intervention responses to the server. *Conn
// implements it; tests substitute a recorder.
type ResponseSender interface {
	SendInterventionResponse(response InterventionResponse)
}

// Prompt is the UI-facing view of a pending intervention: what to ask,
// how to answer, and when the server gives up waiting.
type Prompt struct {
	RequestID   string
	TaskID      string
	Kind        InterventionKind
	Message     string
	Options     []string
	InputKind   string
	Placeholder string
	Deadline    time.Time
}

// Remaining returns the time left before the automatic timeout,
// clamped at zero.
func (p *Prompt) Remaining(now time.Time) time.Duration {
	remaining := p.Deadline.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// defaultInterventionTimeout applies when the server sends no timeout
// with the request, matching the server's own executor default.
const defaultInterventionTimeout = 60 * time.Second

// CoordinatorConfig holds configuration for creating a Coordinator.
type CoordinatorConfig struct {
	// TaskID scopes the coordinator to the observed task; requests for
	// other tasks are ignored. Required.
	TaskID string
	// Dispatcher supplies human_intervention_needed events. Required.
	Dispatcher *Dispatcher
	// Sender carries responses back to the server. Required.
	Sender ResponseSender
	// Clock drives the timeout countdown. If nil, clock.Real().
	Clock clock.Clock
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// OnPrompt, if set, is called when a request becomes pending.
	// Called without internal locks held.
	OnPrompt func(Prompt)
	// OnResolved, if set, is called after the single response for a
	// request has been sent.
	OnResolved func(requestID string, response InterventionResponse)
}

// Coordinator tracks the zero-or-one outstanding human-intervention
// request for the observed task and guarantees exactly one response
// per request: an operator answer, an operator cancellation, or an
// automatic timeout — whichever resolves first wins and the rest are
// suppressed.
type Coordinator struct {
	taskID     string
	dispatcher *Dispatcher
	sender     ResponseSender
	clock      clock.Clock
	logger     *slog.Logger
	onPrompt   func(Prompt)
	onResolved func(string, InterventionResponse)

	mu           sync.Mutex
	pending      *Prompt
	pendingKey   string
	countdown    *clock.Timer
	lastResolved string
	subscription Subscription
}

// requestKey identifies a request for de-duplication and for matching
// a resolution path to the request it was armed for. The poll path's
// pending_question carries no request ID, so bare requests fall back
// to a content fingerprint; a repeated identical bare prompt is then
// indistinguishable from a redelivery and is dropped.
func requestKey(request InterventionRequest) string {
	if request.RequestID != "" {
		return request.RequestID
	}
	return string(request.Kind) + "\x00" + request.Message
}

// NewCoordinator creates a Coordinator and registers it for
// intervention events.
func NewCoordinator(config CoordinatorConfig) (*Coordinator, error) {
	if config.TaskID == "" {
		return nil, fmt.Errorf("monitor: TaskID is required")
	}
	if config.Dispatcher == nil {
		return nil, fmt.Errorf("monitor: Dispatcher is required")
	}
	if config.Sender == nil {
		return nil, fmt.Errorf("monitor: Sender is required")
	}
	timeSource := config.Clock
	if timeSource == nil {
		timeSource = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	coordinator := &Coordinator{
		taskID:     config.TaskID,
		dispatcher: config.Dispatcher,
		sender:     config.Sender,
		clock:      timeSource,
		logger:     logger,
		onPrompt:   config.OnPrompt,
		onResolved: config.OnResolved,
	}
	coordinator.subscription = config.Dispatcher.Register(EventInterventionNeeded, coordinator.handleEvent)
	return coordinator, nil
}

// Close unregisters the coordinator and resolves any outstanding
// request as cancelled. Part of the mandatory resource release on
// task switch.
func (c *Coordinator) Close() {
	c.dispatcher.Unregister(c.subscription)
	c.mu.Lock()
	key := c.pendingKey
	hasPending := c.pending != nil
	c.mu.Unlock()
	if hasPending {
		c.resolve(key, "", false, "User cancelled")
	}
}

// Pending returns the outstanding prompt, or nil.
func (c *Coordinator) Pending() *Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return nil
	}
	prompt := *c.pending
	return &prompt
}

func (c *Coordinator) handleEvent(payload json.RawMessage) {
	var request InterventionRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		c.logger.Warn("unparseable human_intervention_needed", "error", err)
		return
	}
	c.Request(request)
}

// Request makes an intervention request pending and starts its
// countdown. Requests for other tasks are ignored. A request arriving
// while another is outstanding is a protocol violation: it is dropped
// and logged, never allowed to corrupt the single-slot state.
// Redeliveries of the current or just-resolved request (the poll path
// re-observing pending_question) are dropped quietly.
func (c *Coordinator) Request(request InterventionRequest) {
	if request.TaskID != c.taskID {
		return
	}

	key := requestKey(request)
	c.mu.Lock()
	if c.pending != nil {
		pendingID := c.pending.RequestID
		pendingKey := c.pendingKey
		c.mu.Unlock()
		if pendingKey == key {
			c.logger.Debug("duplicate delivery of pending intervention", "request", request.RequestID)
			return
		}
		c.logger.Warn("second intervention request while one is outstanding, dropped",
			"task", request.TaskID, "pending", pendingID, "dropped", request.RequestID)
		return
	}
	if key == c.lastResolved {
		c.mu.Unlock()
		c.logger.Debug("redelivery of resolved intervention", "request", request.RequestID)
		return
	}

	timeout := time.Duration(request.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultInterventionTimeout
	}
	options := request.Options
	if request.Kind == InterventionConfirm && len(options) == 0 {
		options = []string{"确认", "取消"}
	}

	c.pending = &Prompt{
		RequestID:   request.RequestID,
		TaskID:      request.TaskID,
		Kind:        request.Kind,
		Message:     request.Message,
		Options:     options,
		InputKind:   request.InputKind,
		Placeholder: request.Placeholder,
		Deadline:    c.clock.Now().Add(timeout),
	}
	c.pendingKey = key
	prompt := *c.pending
	requestID := request.RequestID
	c.countdown = c.clock.AfterFunc(timeout, func() {
		c.timeout(key, requestID)
	})
	c.mu.Unlock()

	c.logger.Info("intervention requested",
		"task", request.TaskID, "request", requestID, "kind", string(request.Kind), "timeout", timeout)
	if c.onPrompt != nil {
		c.onPrompt(prompt)
	}
}

// Answer resolves the pending request with an operator-supplied value:
// the selected option for confirm kind, free text for input kind.
// Invalid answers are rejected locally and nothing is sent; the
// request stays pending.
func (c *Coordinator) Answer(value string) error {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrNoPendingIntervention
	}
	key := c.pendingKey
	kind := c.pending.Kind
	options := c.pending.Options
	c.mu.Unlock()

	switch kind {
	case InterventionConfirm:
		valid := false
		for _, option := range options {
			if option == value {
				valid = true
				break
			}
		}
		if !valid {
			return ErrUnknownOption
		}
	default:
		if strings.TrimSpace(value) == "" {
			return ErrEmptyAnswer
		}
	}

	if !c.resolve(key, value, true, "") {
		return ErrNoPendingIntervention
	}
	return nil
}

// Cancel resolves the pending request as an explicit operator
// cancellation.
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return ErrNoPendingIntervention
	}
	key := c.pendingKey
	c.mu.Unlock()
	if !c.resolve(key, "", false, "User cancelled") {
		return ErrNoPendingIntervention
	}
	return nil
}

// timeout is the countdown's resolution path. resolve re-checks the
// key, so a countdown that lost the race to Stop (but had already
// been scheduled) cannot resolve a later request.
func (c *Coordinator) timeout(key, requestID string) {
	if c.resolve(key, "", false, "Timeout") {
		c.logger.Warn("intervention timed out", "request", requestID)
	}
}

// resolve sends the single response for the pending request identified
// by key. The key is re-checked under the same lock that clears the
// pending slot, so a resolution path preempted after its own staleness
// check can never fire against a request that became pending later;
// whoever clears c.pending first is the one response that goes out.
// Returns false when the request was already resolved or replaced.
func (c *Coordinator) resolve(key, value string, success bool, failure string) bool {
	c.mu.Lock()
	if c.pending == nil || c.pendingKey != key {
		c.mu.Unlock()
		return false
	}
	prompt := *c.pending
	c.pending = nil
	c.lastResolved = key
	c.pendingKey = ""
	if c.countdown != nil {
		c.countdown.Stop()
		c.countdown = nil
	}
	c.mu.Unlock()

	response := InterventionResponse{
		RequestID:    prompt.RequestID,
		TaskID:       prompt.TaskID,
		Success:      success,
		ResponseType: prompt.Kind,
	}
	if success {
		if prompt.Kind == InterventionConfirm {
			response.SelectedOption = value
		} else {
			response.InputValue = value
		}
	} else {
		response.Error = failure
	}

	c.sender.SendInterventionResponse(response)
	c.logger.Info("intervention resolved",
		"request", prompt.RequestID, "success", success, "error", failure)
	if c.onResolved != nil {
		c.onResolved(prompt.RequestID, response)
	}
	return true
}
