// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package watchui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/GaryChine-byte/PhoneAgent/monitor"
)

// Fixed chrome heights. The step list gets whatever is left.
const (
	headerHeight = 4
	footerHeight = 1
	promptHeight = 5
)

// Styles is the color palette for the watch TUI.
type Styles struct {
	Title        lipgloss.Style
	Label        lipgloss.Style
	Connected    lipgloss.Style
	Disconnected lipgloss.Style
	Fatal        lipgloss.Style

	StatusRunning lipgloss.Style
	StatusWaiting lipgloss.Style
	StatusDone    lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusNeutral lipgloss.Style

	StepIndex   lipgloss.Style
	StepFresh   lipgloss.Style
	StepFailed  lipgloss.Style
	Observation lipgloss.Style

	PromptBox    lipgloss.Style
	PromptOption lipgloss.Style
	PromptChosen lipgloss.Style
	PromptError  lipgloss.Style

	Footer lipgloss.Style
	Notice lipgloss.Style
}

// DefaultStyles is the built-in dark-terminal palette.
var DefaultStyles = Styles{
	Title:        lipgloss.NewStyle().Bold(true),
	Label:        lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	Fatal:        lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),

	StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	StatusWaiting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	StatusDone:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	StatusNeutral: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),

	StepIndex:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	StepFresh:   lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
	StepFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	Observation: lipgloss.NewStyle().Foreground(lipgloss.Color("250")),

	PromptBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("214")).
		Padding(0, 1),
	PromptOption: lipgloss.NewStyle().Padding(0, 1),
	PromptChosen: lipgloss.NewStyle().Padding(0, 1).Reverse(true),
	PromptError:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),

	Footer: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	Notice: lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
}

// View implements tea.Model.
func (model Model) View() string {
	if model.quitting {
		return ""
	}
	if !model.ready {
		return "loading..."
	}

	sections := []string{
		model.renderHeader(),
		model.renderSteps(),
	}
	if model.prompt != nil {
		sections = append(sections, model.renderPrompt())
	}
	sections = append(sections, model.renderFooter())
	return strings.Join(sections, "\n")
}

func (model Model) renderHeader() string {
	snapshot := model.snapshot

	connectivity := model.styles.Connected.Render("● live")
	switch {
	case model.fatal != nil:
		connectivity = model.styles.Fatal.Render("✕ connection lost")
	case !model.connected:
		connectivity = model.styles.Disconnected.Render("○ polling")
	}

	title := model.styles.Title.Render(snapshot.Instruction)
	if title == "" {
		title = model.styles.Label.Render("(no task)")
	}

	statusLine := fmt.Sprintf("%s %s  %s %s  %s %s",
		model.styles.Label.Render("task"), snapshot.TaskID,
		model.styles.Label.Render("status"), model.statusStyle(snapshot.Status).Render(string(snapshot.Status)),
		model.styles.Label.Render("elapsed"), formatElapsed(snapshot.Elapsed),
	)

	deviceLine := model.styles.Label.Render("device ") + model.renderDevice(snapshot.DeviceID)

	return strings.Join([]string{title, statusLine, deviceLine, connectivity}, "\n")
}

// renderDevice shows the observed task's device with its live fleet
// state when the device projection knows it.
func (model Model) renderDevice(deviceID string) string {
	if deviceID == "" {
		return "-"
	}
	for _, device := range model.devices {
		if device.DeviceID != deviceID {
			continue
		}
		parts := []string{deviceID}
		if device.Model != "" {
			parts = append(parts, device.Model)
		}
		if device.Status != "" {
			parts = append(parts, device.Status)
		}
		if device.Battery > 0 {
			parts = append(parts, fmt.Sprintf("%d%%", device.Battery))
		}
		if device.Network != "" {
			parts = append(parts, device.Network)
		}
		return strings.Join(parts, " · ")
	}
	return deviceID
}

func (model Model) renderSteps() string {
	steps := model.snapshot.Steps
	height := model.stepViewHeight()

	if len(steps) == 0 {
		lines := make([]string, height)
		lines[0] = model.styles.Label.Render("  no steps yet")
		return strings.Join(lines, "\n")
	}

	start := model.scrollOffset
	if start > len(steps)-1 {
		start = len(steps) - 1
	}
	end := start + height
	if end > len(steps) {
		end = len(steps)
	}

	lines := make([]string, 0, height)
	for _, step := range steps[start:end] {
		lines = append(lines, model.renderStep(step))
	}
	for len(lines) < height {
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

func (model Model) renderStep(step monitor.Step) string {
	index := model.styles.StepIndex.Render(fmt.Sprintf("%3d", step.StepIndex))

	action := step.Action
	if action == "" {
		action = step.Thinking
	}
	actionStyle := lipgloss.NewStyle()
	if step.StepIndex >= model.snapshot.FreshFrom {
		actionStyle = model.styles.StepFresh
	}
	if step.Success != nil && !*step.Success {
		actionStyle = model.styles.StepFailed
	}

	line := fmt.Sprintf("%s  %s", index, actionStyle.Render(action))
	if step.Observation != "" {
		line += "  " + model.styles.Observation.Render(truncate(step.Observation, 60))
	}
	if step.DurationMS > 0 {
		line += model.styles.Label.Render(fmt.Sprintf("  %dms", step.DurationMS))
	}
	return ansi.Truncate(line, model.width, "…")
}

func (model Model) renderPrompt() string {
	prompt := model.prompt

	remaining := prompt.Remaining(model.channel.Now())
	header := fmt.Sprintf("%s  %s",
		model.styles.Title.Render(prompt.Message),
		model.styles.Label.Render(fmt.Sprintf("(%ds left)", int(remaining.Seconds()))),
	)

	var body string
	if prompt.Kind == monitor.InterventionConfirm {
		rendered := make([]string, len(prompt.Options))
		for i, option := range prompt.Options {
			if i == model.optionCursor {
				rendered[i] = model.styles.PromptChosen.Render(option)
			} else {
				rendered[i] = model.styles.PromptOption.Render(option)
			}
		}
		body = strings.Join(rendered, " ")
	} else {
		body = model.input.View()
	}

	content := header + "\n" + body
	if model.promptError != "" {
		content += "\n" + model.styles.PromptError.Render(model.promptError)
	}
	return model.styles.PromptBox.Width(model.width - 2).Render(content)
}

func (model Model) renderFooter() string {
	if model.notice != "" {
		return model.styles.Notice.Render(model.notice)
	}
	if model.prompt != nil {
		if model.prompt.Kind == monitor.InterventionConfirm {
			return model.styles.Footer.Render("←/→ choose · Enter answer · Esc dismiss · q quit")
		}
		return model.styles.Footer.Render("type the answer · Enter submit · Esc dismiss · q quit")
	}
	return model.styles.Footer.Render("j/k scroll · G follow · x cancel task · q quit")
}

func (model Model) statusStyle(status monitor.TaskStatus) lipgloss.Style {
	switch status {
	case monitor.StatusRunning:
		return model.styles.StatusRunning
	case monitor.StatusWaitingForUser:
		return model.styles.StatusWaiting
	case monitor.StatusCompleted:
		return model.styles.StatusDone
	case monitor.StatusFailed, monitor.StatusCancelled:
		return model.styles.StatusFailed
	}
	return model.styles.StatusNeutral
}

// formatElapsed renders a duration as m:ss (or h:mm:ss past an hour).
func formatElapsed(elapsed time.Duration) string {
	elapsed = elapsed.Round(time.Second)
	hours := int(elapsed.Hours())
	minutes := int(elapsed.Minutes()) % 60
	seconds := int(elapsed.Seconds()) % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
	}
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

func truncate(text string, width int) string {
	if width <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}
