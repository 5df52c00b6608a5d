// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package watchui

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/GaryChine-byte/PhoneAgent/monitor"
)

var channelEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeChannel is a scriptable Channel for model tests.
type fakeChannel struct {
	mu        sync.Mutex
	snapshot  monitor.TaskSnapshot
	devices   []monitor.DeviceInfo
	prompt    *monitor.Prompt
	connected bool
	fatal     error
	now       time.Time
	updates   chan struct{}

	answers       []string
	answerErr     error
	cancelledTask bool
	dismissed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		snapshot: monitor.TaskSnapshot{
			TaskID:      "task-1",
			Instruction: "order a coffee",
			Status:      monitor.StatusRunning,
			Phase:       monitor.PhaseTracking,
		},
		connected: true,
		now:       channelEpoch,
		updates:   make(chan struct{}, 1),
	}
}

func (f *fakeChannel) Snapshot() monitor.TaskSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeChannel) Devices() []monitor.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices
}

func (f *fakeChannel) Prompt() *monitor.Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prompt == nil {
		return nil
	}
	prompt := *f.prompt
	return &prompt
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) FatalErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fatal
}

func (f *fakeChannel) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeChannel) Updates() <-chan struct{} { return f.updates }

func (f *fakeChannel) Answer(value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return f.answerErr
	}
	f.answers = append(f.answers, value)
	f.prompt = nil
	return nil
}

func (f *fakeChannel) CancelIntervention() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed = true
	f.prompt = nil
	return nil
}

func (f *fakeChannel) CancelTask(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledTask = true
	return nil
}

func (f *fakeChannel) setPrompt(prompt *monitor.Prompt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompt = prompt
}

func confirmPrompt() *monitor.Prompt {
	return &monitor.Prompt{
		RequestID: "req-1",
		TaskID:    "task-1",
		Kind:      monitor.InterventionConfirm,
		Message:   "proceed with the payment?",
		Options:   []string{"确认", "取消"},
		Deadline:  channelEpoch.Add(time.Minute),
	}
}

func inputPrompt() *monitor.Prompt {
	return &monitor.Prompt{
		RequestID: "req-2",
		TaskID:    "task-1",
		Kind:      monitor.InterventionInput,
		Message:   "enter the verification code",
		InputKind: "captcha",
		Deadline:  channelEpoch.Add(time.Minute),
	}
}

// sized delivers a window size so the model renders.
func sized(model Model) Model {
	updated, _ := model.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return updated.(Model)
}

func keyPress(model Model, msg tea.KeyMsg) Model {
	updated, _ := model.Update(msg)
	return updated.(Model)
}

func runeKey(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestModelRendersSnapshot(t *testing.T) {
	channel := newFakeChannel()
	model := sized(NewModel(channel))

	view := model.View()
	if !strings.Contains(view, "order a coffee") {
		t.Error("view does not show the instruction")
	}
	if !strings.Contains(view, "running") {
		t.Error("view does not show the status")
	}
	if !strings.Contains(view, "live") {
		t.Error("view does not show connectivity")
	}
}

func TestModelShowsPollingWhenDisconnected(t *testing.T) {
	channel := newFakeChannel()
	channel.connected = false
	model := sized(NewModel(channel))

	if !strings.Contains(model.View(), "polling") {
		t.Error("view does not show the polling fallback indicator")
	}

	channel.fatal = monitor.ErrConnectivityLost
	model.refresh()
	if !strings.Contains(model.View(), "connection lost") {
		t.Error("view does not show the fatal connectivity state")
	}
}

func TestQuitKey(t *testing.T) {
	channel := newFakeChannel()
	model := sized(NewModel(channel))

	updated, command := model.Update(runeKey('q'))
	if command == nil {
		t.Fatal("quit produced no command")
	}
	if msg := command(); msg != tea.Quit() {
		t.Errorf("quit command produced %v, want tea.Quit", msg)
	}
	if !updated.(Model).quitting {
		t.Error("model not marked quitting")
	}
}

func TestCancelTaskKey(t *testing.T) {
	channel := newFakeChannel()
	model := sized(NewModel(channel))

	model = keyPress(model, runeKey('x'))
	if !channel.cancelledTask {
		t.Error("x did not request task cancellation")
	}
	if model.notice == "" {
		t.Error("no notice after cancellation request")
	}
}

func TestConfirmPromptOptionNavigation(t *testing.T) {
	channel := newFakeChannel()
	channel.setPrompt(confirmPrompt())
	model := sized(NewModel(channel))

	if model.prompt == nil {
		t.Fatal("prompt not picked up")
	}

	// The second option, then answer it.
	model = keyPress(model, runeKey('l'))
	if model.optionCursor != 1 {
		t.Fatalf("option cursor = %d after right, want 1", model.optionCursor)
	}
	// Right at the last option stays put.
	model = keyPress(model, runeKey('l'))
	if model.optionCursor != 1 {
		t.Fatalf("option cursor = %d at the end, want 1", model.optionCursor)
	}

	model = keyPress(model, tea.KeyMsg{Type: tea.KeyEnter})
	if len(channel.answers) != 1 || channel.answers[0] != "取消" {
		t.Errorf("answers = %v, want [取消]", channel.answers)
	}
	if model.prompt != nil {
		t.Error("prompt still shown after answering")
	}
}

func TestPromptCountdownUsesChannelClock(t *testing.T) {
	channel := newFakeChannel()
	channel.setPrompt(confirmPrompt())
	model := sized(NewModel(channel))

	if !strings.Contains(model.View(), "(60s left)") {
		t.Error("countdown does not start from the prompt deadline")
	}

	channel.mu.Lock()
	channel.now = channelEpoch.Add(42 * time.Second)
	channel.mu.Unlock()
	if !strings.Contains(model.View(), "(18s left)") {
		t.Error("countdown does not follow the channel clock")
	}
}

func TestInputPromptTypesAndSubmits(t *testing.T) {
	channel := newFakeChannel()
	channel.setPrompt(inputPrompt())
	model := sized(NewModel(channel))

	for _, r := range "483920" {
		model = keyPress(model, runeKey(r))
	}
	model = keyPress(model, tea.KeyMsg{Type: tea.KeyEnter})

	if len(channel.answers) != 1 || channel.answers[0] != "483920" {
		t.Errorf("answers = %v, want [483920]", channel.answers)
	}
}

func TestRejectedAnswerKeepsPrompt(t *testing.T) {
	channel := newFakeChannel()
	channel.setPrompt(inputPrompt())
	channel.answerErr = monitor.ErrEmptyAnswer
	model := sized(NewModel(channel))

	model = keyPress(model, tea.KeyMsg{Type: tea.KeyEnter})

	if model.prompt == nil {
		t.Fatal("prompt dropped after a rejected answer")
	}
	if model.promptError == "" {
		t.Error("no prompt error shown after rejection")
	}
	if !strings.Contains(model.View(), model.promptError) {
		t.Error("prompt error not rendered")
	}
}

func TestEscDismissesPrompt(t *testing.T) {
	channel := newFakeChannel()
	channel.setPrompt(confirmPrompt())
	model := sized(NewModel(channel))

	model = keyPress(model, tea.KeyMsg{Type: tea.KeyEsc})
	if !channel.dismissed {
		t.Error("esc did not dismiss the intervention")
	}
	if model.prompt != nil {
		t.Error("prompt still shown after dismissal")
	}
}

func TestPromptSuspendsTaskKeys(t *testing.T) {
	channel := newFakeChannel()
	channel.setPrompt(inputPrompt())
	model := sized(NewModel(channel))

	// "x" is text while a prompt is capturing input, not cancel-task.
	keyPress(model, runeKey('x'))
	if channel.cancelledTask {
		t.Error("cancel-task fired while the prompt owned the keyboard")
	}
}

func TestUpdateMsgRefreshesAndRelistens(t *testing.T) {
	channel := newFakeChannel()
	model := sized(NewModel(channel))

	channel.mu.Lock()
	channel.snapshot.Steps = []monitor.Step{{StepIndex: 0, Action: "tap"}}
	channel.mu.Unlock()

	updated, command := model.Update(updateMsg{})
	model = updated.(Model)

	if len(model.snapshot.Steps) != 1 {
		t.Error("updateMsg did not refresh the snapshot")
	}
	if command == nil {
		t.Error("updateMsg did not re-arm the update listener")
	}
}

func TestScrollDisengagesAndReengagesTail(t *testing.T) {
	channel := newFakeChannel()
	steps := make([]monitor.Step, 50)
	for i := range steps {
		steps[i] = monitor.Step{StepIndex: i, Action: "tap"}
	}
	channel.snapshot.Steps = steps
	channel.snapshot.FreshFrom = 50
	model := sized(NewModel(channel))

	updated, _ := model.Update(updateMsg{})
	model = updated.(Model)
	if !model.followTail || model.scrollOffset == 0 {
		t.Fatalf("followTail=%v offset=%d, want tailing", model.followTail, model.scrollOffset)
	}

	model = keyPress(model, runeKey('k'))
	if model.followTail {
		t.Error("scrolling up did not disengage tail following")
	}

	model = keyPress(model, runeKey('G'))
	if !model.followTail {
		t.Error("G did not re-engage tail following")
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		elapsed time.Duration
		want    string
	}{
		{0, "0:00"},
		{9 * time.Second, "0:09"},
		{75 * time.Second, "1:15"},
		{61 * time.Minute, "1:01:00"},
	}
	for _, c := range cases {
		if got := formatElapsed(c.elapsed); got != c.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", c.elapsed, got, c.want)
		}
	}
}
