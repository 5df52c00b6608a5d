// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package watchui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings for the watch TUI.
type KeyMap struct {
	// Step list navigation.
	Up   key.Binding
	Down key.Binding
	Home key.Binding
	End  key.Binding // Jump to the newest step and follow the tail.

	// Task actions.
	CancelTask key.Binding

	// Intervention prompt. While a prompt is visible these take over:
	// Left/Right move the option cursor for confirm prompts, Submit
	// answers, DismissPrompt declines without killing the task.
	Left          key.Binding
	Right         key.Binding
	Submit        key.Binding
	DismissPrompt key.Binding

	Quit key.Binding
}

// DefaultKeyMap is the built-in key binding set. Vim-style navigation
// alongside the arrow keys.
var DefaultKeyMap = KeyMap{
	Up: key.NewBinding(
		key.WithKeys("k", "up"),
		key.WithHelp("k/↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("j", "down"),
		key.WithHelp("j/↓", "down"),
	),
	Home: key.NewBinding(
		key.WithKeys("g", "home"),
		key.WithHelp("g", "first step"),
	),
	End: key.NewBinding(
		key.WithKeys("G", "end"),
		key.WithHelp("G", "latest step"),
	),
	CancelTask: key.NewBinding(
		key.WithKeys("x"),
		key.WithHelp("x", "cancel task"),
	),
	Left: key.NewBinding(
		key.WithKeys("h", "left"),
		key.WithHelp("h/←", "previous option"),
	),
	Right: key.NewBinding(
		key.WithKeys("l", "right"),
		key.WithHelp("l/→", "next option"),
	),
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("Enter", "answer"),
	),
	DismissPrompt: key.NewBinding(
		key.WithKeys("esc"),
		key.WithHelp("Esc", "dismiss prompt"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}
