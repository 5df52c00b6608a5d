// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// testLogger returns a logger that discards output. Tests asserting on
// log content build their own.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitUntil polls condition until it reports true or the deadline
// expires. The synchronization point for effects that happen on a
// component goroutine after a fake-clock advance.
func waitUntil(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// pipeTransport is an in-memory Transport. The test side injects
// inbound frames with deliver and reads what the connection wrote from
// the writes channel; closing the transport fails the pending read,
// which is how disconnects are simulated.
type pipeTransport struct {
	inbound chan []byte
	writes  chan []byte

	mu     sync.Mutex
	closed chan struct{}
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		inbound: make(chan []byte, 16),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case frame := <-p.inbound:
		return frame, nil
	case <-p.closed:
		return nil, errors.New("transport closed")
	}
}

func (p *pipeTransport) WriteMessage(frame []byte) error {
	select {
	case <-p.closed:
		return errors.New("transport closed")
	default:
	}
	p.writes <- frame
	return nil
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

// deliver injects one server frame; the connection's read loop picks
// it up and dispatches it.
func (p *pipeTransport) deliver(t *testing.T, kind EventKind, payload any) {
	t.Helper()
	frame, err := encodeEnvelope(kind, payload)
	if err != nil {
		t.Fatalf("encode %s frame: %v", kind, err)
	}
	p.inbound <- frame
}

// nextWrite returns the next frame the connection wrote, decoded.
func (p *pipeTransport) nextWrite(t *testing.T) Envelope {
	t.Helper()
	select {
	case frame := <-p.writes:
		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		return envelope
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a written frame")
		return Envelope{}
	}
}

// scriptDialer hands out scripted dial results. Each Dial blocks until
// the test pushes an outcome, so the test controls exactly when and
// how every connection attempt resolves.
type scriptDialer struct {
	results chan dialResult

	mu    sync.Mutex
	dials int
}

type dialResult struct {
	transport Transport
	err       error
}

func newScriptDialer() *scriptDialer {
	return &scriptDialer{results: make(chan dialResult, 16)}
}

func (d *scriptDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()

	select {
	case result := <-d.results:
		return result.transport, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *scriptDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptDialer) succeed(transport Transport) {
	d.results <- dialResult{transport: transport}
}

func (d *scriptDialer) fail(err error) {
	d.results <- dialResult{err: err}
}

// fakeAPI is an in-memory TaskAPI with adjustable responses and call
// counting.
type fakeAPI struct {
	mu           sync.Mutex
	task         TaskState
	steps        []Step
	err          error
	getTaskCalls int
	cancelled    []string
	answers      map[string]string
}

func newFakeAPI(task TaskState, steps []Step) *fakeAPI {
	return &fakeAPI{task: task, steps: steps, answers: make(map[string]string)}
}

func (f *fakeAPI) set(task TaskState, steps []Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.task = task
	f.steps = steps
}

func (f *fakeAPI) setError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeAPI) taskCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getTaskCalls
}

func (f *fakeAPI) GetTask(ctx context.Context, taskID string) (TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getTaskCalls++
	if f.err != nil {
		return TaskState{}, f.err
	}
	return f.task, nil
}

func (f *fakeAPI) GetTaskSteps(ctx context.Context, taskID string) ([]Step, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	steps := make([]Step, len(f.steps))
	copy(steps, f.steps)
	return steps, nil
}

func (f *fakeAPI) CreateTask(ctx context.Context, request CreateTaskRequest) (string, error) {
	return "task-created", nil
}

func (f *fakeAPI) ListTasks(ctx context.Context) ([]TaskState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return []TaskState{f.task}, nil
}

func (f *fakeAPI) AnswerTask(ctx context.Context, taskID, answer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers[taskID] = answer
	return nil
}

func (f *fakeAPI) CancelTask(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

// responseRecorder captures intervention responses for assertions.
type responseRecorder struct {
	mu        sync.Mutex
	responses []InterventionResponse
}

func (r *responseRecorder) SendInterventionResponse(response InterventionResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response)
}

func (r *responseRecorder) sent() []InterventionResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	responses := make([]InterventionResponse, len(r.responses))
	copy(responses, r.responses)
	return responses
}

// stepAt builds a minimal step for index-ordering tests.
func stepAt(index int) Step {
	return Step{StepIndex: index, Action: "tap", Timestamp: time.Unix(int64(1700000000+index), 0).UTC()}
}

func timePointer(t time.Time) *time.Time { return &t }
