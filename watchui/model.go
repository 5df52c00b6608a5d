// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package watchui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/GaryChine-byte/PhoneAgent/monitor"
)

// Channel is the live-channel surface the watch UI renders. It is the
// pull side of the monitor's update loop: the UI wakes on the Updates
// signal and reads fresh copies of everything it shows.
// *monitor.Monitor implements it.
type Channel interface {
	Snapshot() monitor.TaskSnapshot
	Devices() []monitor.DeviceInfo
	Prompt() *monitor.Prompt
	Connected() bool
	FatalErr() error
	Updates() <-chan struct{}
	// Now is the channel's clock. Countdown and elapsed displays use
	// it so they agree with the channel's own timers.
	Now() time.Time

	Answer(value string) error
	CancelIntervention() error
	CancelTask(ctx context.Context) error
}

// updateMsg wakes the UI after the monitor signalled a change.
type updateMsg struct{}

// countdownTickMsg re-renders the intervention countdown once a
// second while a prompt is visible.
type countdownTickMsg struct{}

// noticeFadeMsg clears the transient status-bar notice.
type noticeFadeMsg struct{}

// noticeFadeDelay is how long an action notice stays visible.
const noticeFadeDelay = 3 * time.Second

// Model is the top-level bubbletea model for the task watch TUI: a
// header with task and connectivity state, the scrolling step list,
// and — when the agent asks for help — an intervention prompt that
// captures all input until it resolves.
type Model struct {
	channel Channel
	keys    KeyMap
	styles  Styles

	width  int
	height int
	ready  bool

	snapshot  monitor.TaskSnapshot
	devices   []monitor.DeviceInfo
	prompt    *monitor.Prompt
	connected bool
	fatal     error

	// Step list scroll state. followTail keeps the newest step in
	// view until the user scrolls away; End re-engages it.
	scrollOffset int
	followTail   bool

	// Prompt interaction state: the option cursor for confirm kind,
	// the text input for input kind.
	optionCursor int
	input        textinput.Model
	promptError  string

	notice   string
	quitting bool
}

// NewModel creates a Model rendering the given channel.
func NewModel(channel Channel) Model {
	input := textinput.New()
	input.CharLimit = 256

	model := Model{
		channel:    channel,
		keys:       DefaultKeyMap,
		styles:     DefaultStyles,
		followTail: true,
		input:      input,
	}
	model.refresh()
	return model
}

// refresh pulls the current state out of the channel.
func (model *Model) refresh() {
	model.snapshot = model.channel.Snapshot()
	model.devices = model.channel.Devices()
	model.connected = model.channel.Connected()
	model.fatal = model.channel.FatalErr()

	prompt := model.channel.Prompt()
	if prompt != nil && (model.prompt == nil || model.prompt.RequestID != prompt.RequestID) {
		// A new prompt: reset the interaction state for it.
		model.optionCursor = 0
		model.promptError = ""
		model.input.SetValue("")
		if prompt.Kind == monitor.InterventionInput {
			model.input.Placeholder = prompt.Placeholder
			if prompt.InputKind == "password" {
				model.input.EchoMode = textinput.EchoPassword
			} else {
				model.input.EchoMode = textinput.EchoNormal
			}
			model.input.Focus()
		}
	}
	if prompt == nil {
		model.input.Blur()
	}
	model.prompt = prompt
}

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	return listenForUpdate(model.channel.Updates())
}

// listenForUpdate blocks until the monitor signals a change, then
// delivers it as an updateMsg.
func listenForUpdate(updates <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-updates
		return updateMsg{}
	}
}

func countdownTick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return countdownTickMsg{}
	})
}

// Update implements tea.Model.
func (model Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		model.width = msg.Width
		model.height = msg.Height
		model.ready = true
		return model, nil

	case updateMsg:
		hadPrompt := model.prompt != nil
		model.refresh()
		commands := []tea.Cmd{listenForUpdate(model.channel.Updates())}
		if model.prompt != nil && !hadPrompt {
			commands = append(commands, countdownTick())
		}
		if model.followTail {
			model.scrollToTail()
		}
		return model, tea.Batch(commands...)

	case countdownTickMsg:
		if model.prompt == nil {
			return model, nil
		}
		return model, countdownTick()

	case noticeFadeMsg:
		model.notice = ""
		return model, nil

	case tea.KeyMsg:
		return model.handleKey(msg)
	}

	return model, nil
}

func (model Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Ctrl+C always quits. The plain quit key only counts when no
	// prompt is capturing text; an answer may legitimately contain it.
	if msg.Type == tea.KeyCtrlC {
		model.quitting = true
		return model, tea.Quit
	}
	if model.prompt != nil {
		return model.handlePromptKey(msg)
	}
	if key.Matches(msg, model.keys.Quit) {
		model.quitting = true
		return model, tea.Quit
	}

	switch {
	case key.Matches(msg, model.keys.Up):
		model.followTail = false
		if model.scrollOffset > 0 {
			model.scrollOffset--
		}
	case key.Matches(msg, model.keys.Down):
		model.scrollOffset++
		model.clampScroll()
	case key.Matches(msg, model.keys.Home):
		model.followTail = false
		model.scrollOffset = 0
	case key.Matches(msg, model.keys.End):
		model.followTail = true
		model.scrollToTail()
	case key.Matches(msg, model.keys.CancelTask):
		if err := model.channel.CancelTask(context.Background()); err != nil {
			return model.withNotice("cancel failed: " + err.Error())
		}
		return model.withNotice("cancellation requested")
	}
	return model, nil
}

// handlePromptKey routes keys while an intervention prompt is up. The
// prompt owns the keyboard: navigation and cancel-task bindings are
// suspended until it resolves.
func (model Model) handlePromptKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, model.keys.Submit):
		value := model.input.Value()
		if model.prompt.Kind == monitor.InterventionConfirm {
			value = model.prompt.Options[model.optionCursor]
		}
		if err := model.channel.Answer(value); err != nil {
			model.promptError = err.Error()
			return model, nil
		}
		model.refresh()
		return model, nil

	case key.Matches(msg, model.keys.DismissPrompt):
		if err := model.channel.CancelIntervention(); err == nil {
			model.refresh()
		}
		return model, nil
	}

	if model.prompt.Kind == monitor.InterventionConfirm {
		switch {
		case key.Matches(msg, model.keys.Left):
			if model.optionCursor > 0 {
				model.optionCursor--
			}
		case key.Matches(msg, model.keys.Right):
			if model.optionCursor < len(model.prompt.Options)-1 {
				model.optionCursor++
			}
		}
		return model, nil
	}

	var command tea.Cmd
	model.input, command = model.input.Update(msg)
	return model, command
}

func (model Model) withNotice(notice string) (tea.Model, tea.Cmd) {
	model.notice = notice
	return model, tea.Tick(noticeFadeDelay, func(time.Time) tea.Msg {
		return noticeFadeMsg{}
	})
}

// stepViewHeight is the number of rows available for the step list.
func (model *Model) stepViewHeight() int {
	height := model.height - headerHeight - footerHeight
	if model.prompt != nil {
		height -= promptHeight
	}
	if height < 1 {
		height = 1
	}
	return height
}

func (model *Model) clampScroll() {
	maximum := len(model.snapshot.Steps) - model.stepViewHeight()
	if maximum < 0 {
		maximum = 0
	}
	if model.scrollOffset > maximum {
		model.scrollOffset = maximum
	}
	if model.scrollOffset >= maximum {
		model.followTail = true
	}
}

func (model *Model) scrollToTail() {
	maximum := len(model.snapshot.Steps) - model.stepViewHeight()
	if maximum < 0 {
		maximum = 0
	}
	model.scrollOffset = maximum
}
