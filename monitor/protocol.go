// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind identifies the type of a push-channel message. The server
// is free to add kinds; the dispatcher drops unrecognized ones with a
// warning instead of failing, so protocol evolution never crashes the
// monitor.
type EventKind string

// Server→client event kinds.
const (
	EventPong               EventKind = "pong"
	EventInitialState       EventKind = "initial_state"
	EventDeviceUpdate       EventKind = "device_update"
	EventTaskUpdate         EventKind = "task_update"
	EventTaskStepUpdate     EventKind = "task_step_update"
	EventTaskStatusChange   EventKind = "task_status_change"
	EventTaskCancelled      EventKind = "task_cancelled"
	EventInterventionNeeded EventKind = "human_intervention_needed"
)

// Client→server message kinds.
const (
	kindSubscribe            EventKind = "subscribe"
	kindPing                 EventKind = "ping"
	kindInterventionResponse EventKind = "human_intervention_response"
)

// knownKinds is the closed set of server→client kinds the dispatcher
// accepts.
var knownKinds = map[EventKind]bool{
	EventPong:               true,
	EventInitialState:       true,
	EventDeviceUpdate:       true,
	EventTaskUpdate:         true,
	EventTaskStepUpdate:     true,
	EventTaskStatusChange:   true,
	EventTaskCancelled:      true,
	EventInterventionNeeded: true,
}

// Envelope is the wire format for every push-channel message in both
// directions: a kind tag plus an optional kind-specific payload.
type Envelope struct {
	Type EventKind       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// encodeEnvelope marshals a message with the given payload. A nil
// payload produces an envelope with no data field (subscribe, ping).
func encodeEnvelope(kind EventKind, payload any) ([]byte, error) {
	envelope := Envelope{Type: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("monitor: encode %s payload: %w", kind, err)
		}
		envelope.Data = data
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("monitor: encode %s envelope: %w", kind, err)
	}
	return frame, nil
}

// TaskStatus is the server-side task lifecycle state mirrored by the
// monitor.
type TaskStatus string

const (
	StatusPending        TaskStatus = "pending"
	StatusRunning        TaskStatus = "running"
	StatusWaitingForUser TaskStatus = "waiting_for_user"
	StatusCompleted      TaskStatus = "completed"
	StatusFailed         TaskStatus = "failed"
	StatusCancelled      TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle. Once
// terminal, the poll path stops; late push deliveries are still
// accepted into the step list.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task is in a state the poll safety net
// must keep covering.
func (s TaskStatus) Active() bool {
	return s == StatusRunning || s == StatusWaitingForUser
}

// TokenUsage is the model token accounting attached to a step.
type TokenUsage struct {
	Prompt     int `json:"prompt,omitempty"`
	Completion int `json:"completion,omitempty"`
	Total      int `json:"total,omitempty"`
}

// Step is one executed action within a task. StepIndex is the step's
// position in the task's append-only sequence and is the identity used
// for de-duplication: a push delivery is accepted only when its index
// is exactly the next expected one.
type Step struct {
	StepIndex   int         `json:"step_index"`
	Timestamp   time.Time   `json:"timestamp"`
	Thinking    string      `json:"thinking,omitempty"`
	Action      string      `json:"action,omitempty"`
	Observation string      `json:"observation,omitempty"`
	Screenshot  string      `json:"screenshot,omitempty"`
	Success     *bool       `json:"success,omitempty"`
	DurationMS  int         `json:"duration_ms,omitempty"`
	TokensUsed  *TokenUsage `json:"tokens_used,omitempty"`
}

// TaskState is the REST projection of a task: scalar fields that are
// overwritten idempotently on every poll, unlike the ordered step
// sequence.
type TaskState struct {
	TaskID          string               `json:"task_id"`
	Instruction     string               `json:"instruction,omitempty"`
	DeviceID        string               `json:"device_id,omitempty"`
	Status          TaskStatus           `json:"status"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	Result          string               `json:"result,omitempty"`
	Error           string               `json:"error,omitempty"`
	PendingQuestion *InterventionRequest `json:"pending_question,omitempty"`
}

// StepUpdate is the payload of task_step_update: one or more newly
// executed steps for a task.
type StepUpdate struct {
	TaskID string `json:"task_id"`
	Steps  []Step `json:"steps"`
}

// StatusChange is the payload of task_status_change and task_update.
type StatusChange struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Result    string     `json:"result,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// TaskCancelled is the payload of task_cancelled.
type TaskCancelled struct {
	TaskID string `json:"task_id"`
}

// InterventionKind distinguishes the two human-intervention flows.
type InterventionKind string

const (
	// InterventionConfirm asks the operator to pick one of a fixed set
	// of options.
	InterventionConfirm InterventionKind = "confirm"

	// InterventionInput asks the operator for free text (a password,
	// captcha, verification code, ...).
	InterventionInput InterventionKind = "input"
)

// InterventionRequest is the payload of human_intervention_needed: the
// server has paused task execution and is blocking on a human answer.
type InterventionRequest struct {
	RequestID      string           `json:"request_id"`
	TaskID         string           `json:"task_id"`
	Kind           InterventionKind `json:"kind"`
	Message        string           `json:"message"`
	Options        []string         `json:"options,omitempty"`
	InputKind      string           `json:"input_kind,omitempty"`
	Placeholder    string           `json:"placeholder,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
}

// InterventionResponse is the payload of human_intervention_response.
// Exactly one response is ever sent per request ID: an answer, a
// cancellation, or an automatic timeout.
type InterventionResponse struct {
	RequestID      string           `json:"request_id"`
	TaskID         string           `json:"task_id"`
	Success        bool             `json:"success"`
	ResponseType   InterventionKind `json:"response_type"`
	SelectedOption string           `json:"selected_option,omitempty"`
	InputValue     string           `json:"input_value,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// DeviceInfo is the per-device status snapshot carried by
// initial_state and device_update.
type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Model      string `json:"model,omitempty"`
	Status     string `json:"status,omitempty"`
	Battery    int    `json:"battery,omitempty"`
	Network    string `json:"network,omitempty"`
}

// InitialState is the payload of initial_state, sent by the server
// right after a successful subscribe.
type InitialState struct {
	Devices []DeviceInfo `json:"devices,omitempty"`
	Tasks   []TaskState  `json:"tasks,omitempty"`
}

// subscribePayload identifies this monitor instance to the server.
type subscribePayload struct {
	ClientID string `json:"client_id,omitempty"`
}
