// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// TaskAPI is the REST collaborator the poll path talks to. The push
// channel delivers increments; this interface delivers authoritative
// snapshots and carries operator actions (answer, cancel) that must
// work even when the push channel is down.
type TaskAPI interface {
	// GetTask fetches the scalar task projection.
	GetTask(ctx context.Context, taskID string) (TaskState, error)

	// GetTaskSteps fetches the full, ordered step list.
	GetTaskSteps(ctx context.Context, taskID string) ([]Step, error)

	// CreateTask submits a new instruction and returns the task ID.
	CreateTask(ctx context.Context, request CreateTaskRequest) (string, error)

	// ListTasks returns the server's task list, newest first.
	ListTasks(ctx context.Context) ([]TaskState, error)

	// AnswerTask delivers a free-text answer to a task waiting on one.
	AnswerTask(ctx context.Context, taskID, answer string) error

	// CancelTask requests cancellation of a task.
	CancelTask(ctx context.Context, taskID string) error
}

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	Instruction string `json:"instruction"`
	DeviceID    string `json:"device_id,omitempty"`
}

// APIConfig holds configuration for creating an APIClient.
type APIConfig struct {
	// BaseURL is the PhoneAgent server base URL, e.g. "http://localhost:8000".
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// APIClient implements TaskAPI over the server's HTTP API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAPIClient creates a TaskAPI client for the given server.
func NewAPIClient(config APIConfig) (*APIClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("monitor: BaseURL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("monitor: invalid BaseURL %q: %w", config.BaseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &APIClient{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// CloseIdleConnections drops pooled HTTP connections. Call after a
// network disruption so the next poll does not reuse a poisoned
// connection.
func (c *APIClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// GetTask implements TaskAPI.
func (c *APIClient) GetTask(ctx context.Context, taskID string) (TaskState, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return TaskState{}, fmt.Errorf("monitor: get task %s: %w", taskID, err)
	}
	var state TaskState
	if err := json.Unmarshal(body, &state); err != nil {
		return TaskState{}, fmt.Errorf("monitor: parse task %s: %w", taskID, err)
	}
	return state, nil
}

// GetTaskSteps implements TaskAPI.
func (c *APIClient) GetTaskSteps(ctx context.Context, taskID string) ([]Step, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(taskID)+"/steps", nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: get steps for task %s: %w", taskID, err)
	}
	var response struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("monitor: parse steps for task %s: %w", taskID, err)
	}
	return response.Steps, nil
}

// CreateTask implements TaskAPI.
func (c *APIClient) CreateTask(ctx context.Context, request CreateTaskRequest) (string, error) {
	if strings.TrimSpace(request.Instruction) == "" {
		return "", fmt.Errorf("monitor: task instruction is required")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/tasks", request)
	if err != nil {
		return "", fmt.Errorf("monitor: create task: %w", err)
	}
	var response struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("monitor: parse create task response: %w", err)
	}
	if response.TaskID == "" {
		return "", fmt.Errorf("monitor: server returned no task ID")
	}
	return response.TaskID, nil
}

// ListTasks implements TaskAPI.
func (c *APIClient) ListTasks(ctx context.Context) ([]TaskState, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/tasks", nil)
	if err != nil {
		return nil, fmt.Errorf("monitor: list tasks: %w", err)
	}
	var response struct {
		Tasks []TaskState `json:"tasks"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("monitor: parse task list: %w", err)
	}
	return response.Tasks, nil
}

// AnswerTask implements TaskAPI.
func (c *APIClient) AnswerTask(ctx context.Context, taskID, answer string) error {
	request := struct {
		Answer string `json:"answer"`
	}{Answer: answer}
	_, err := c.doRequest(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/answer", request)
	if err != nil {
		return fmt.Errorf("monitor: answer task %s: %w", taskID, err)
	}
	return nil
}

// CancelTask implements TaskAPI.
func (c *APIClient) CancelTask(ctx context.Context, taskID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(taskID)+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("monitor: cancel task %s: %w", taskID, err)
	}
	return nil
}

// doRequest performs one HTTP request and returns the response body.
// Non-2xx responses decode into *ServerError so callers can inspect
// the status with errors.As.
func (c *APIClient) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	serverErr := &ServerError{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, serverErr); jsonErr != nil || serverErr.Detail == "" {
		serverErr.Detail = strings.TrimSpace(string(responseBody))
	}
	return nil, serverErr
}
