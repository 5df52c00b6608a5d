// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

// phoneagent-watch is the terminal UI for watching a PhoneAgent task
// live: the step stream as the agent executes, task status and elapsed
// time, device state, and interactive handling of the agent's
// human-intervention requests.
//
// The watcher keeps its view current through two paths at once: a
// websocket push channel with heartbeats and bounded reconnection, and
// a REST poll safety net that repairs anything the push path lost.
// Either path alone is enough to follow the task.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/GaryChine-byte/PhoneAgent/lib/config"
	"github.com/GaryChine-byte/PhoneAgent/lib/version"
	"github.com/GaryChine-byte/PhoneAgent/monitor"
	"github.com/GaryChine-byte/PhoneAgent/watchui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var serverURL string
	var taskID string
	var instruction string
	var deviceID string
	var journalDir string
	var logOutput string

	flagSet := pflag.NewFlagSet("phoneagent-watch", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the YAML config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&serverURL, "server", "", "PhoneAgent server base URL (overrides the config file)")
	flagSet.StringVar(&taskID, "task", "", "ID of the task to watch")
	flagSet.StringVar(&instruction, "instruction", "", "submit a new task with this instruction and watch it")
	flagSet.StringVar(&deviceID, "device", "", "device ID for --instruction")
	flagSet.StringVar(&journalDir, "journal-dir", "", "record received events to journals in this directory")
	flagSet.StringVar(&logOutput, "log-output", "", "write log records to this file instead of stderr")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("phoneagent-watch")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}
	if taskID != "" && instruction != "" {
		return fmt.Errorf("--task and --instruction are mutually exclusive")
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("stdout is not a terminal; phoneagent-watch is interactive")
	}

	configuration, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		configuration.Server = serverURL
		configuration.PushURL = ""
	}
	if journalDir != "" {
		configuration.JournalDir = journalDir
	}

	logger, cleanup, err := buildLogger(logOutput)
	if err != nil {
		return err
	}
	defer cleanup()

	api, err := monitor.NewAPIClient(monitor.APIConfig{
		BaseURL: configuration.Server,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	taskID, err = resolveTask(ctx, api, taskID, instruction, deviceID)
	if err != nil {
		return err
	}

	watcher, err := monitor.New(monitor.Config{
		API:               api,
		PushURL:           configuration.ResolvedPushURL(),
		Logger:            logger,
		HeartbeatInterval: configuration.Channel.HeartbeatInterval,
		PollInterval:      configuration.Channel.PollInterval,
		BackoffFloor:      configuration.Channel.BackoffFloor,
		BackoffCeiling:    configuration.Channel.BackoffCeiling,
		MaxAttempts:       configuration.Channel.MaxReconnectAttempts,
		JournalDir:        configuration.JournalDir,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Watch(taskID); err != nil {
		return err
	}

	model := watchui.NewModel(watcher)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// resolveTask determines which task to watch: the explicit --task ID, a
// freshly submitted --instruction, or the most recent active task on
// the server.
func resolveTask(ctx context.Context, api monitor.TaskAPI, taskID, instruction, deviceID string) (string, error) {
	if taskID != "" {
		return taskID, nil
	}
	if instruction != "" {
		created, err := api.CreateTask(ctx, monitor.CreateTaskRequest{
			Instruction: instruction,
			DeviceID:    deviceID,
		})
		if err != nil {
			return "", err
		}
		return created, nil
	}

	tasks, err := api.ListTasks(ctx)
	if err != nil {
		return "", err
	}
	for _, task := range tasks {
		if task.Status.Active() || task.Status == monitor.StatusPending {
			return task.TaskID, nil
		}
	}
	return "", fmt.Errorf("no active task on the server; pass --task or --instruction")
}

// buildLogger returns a logger suitable for running under the TUI:
// warnings and up to stderr (invisible under the alternate screen but
// captured when redirected), or full debug records to --log-output.
func buildLogger(logOutput string) (*slog.Logger, func(), error) {
	if logOutput == "" {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})
		return slog.New(handler), func() {}, nil
	}

	file, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output %s: %w", logOutput, err)
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(handler), func() { file.Close() }, nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `PhoneAgent task watcher — live terminal UI for a running task.

Watches the step stream over the server's websocket push channel with
a REST poll fallback, and prompts interactively when the agent needs a
human decision (confirmations, verification codes, captchas).

With --instruction, submits a new task first and watches it. With
neither --task nor --instruction, watches the most recent active task.

Usage:
  phoneagent-watch [flags]

Flags:
%s`, flagSet.FlagUsages())
}
