// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

// Package config loads monitor configuration from a single YAML file.
//
// The file path comes from the PHONEAGENT_CONFIG environment variable
// or the --config flag. There is no search path and no automatic
// discovery: configuration is explicit or it is the built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable consulted when no --config
// flag is given.
const EnvVar = "PHONEAGENT_CONFIG"

// Config holds everything the watch binary needs to reach a
// PhoneAgent server and tune the live channel.
type Config struct {
	// Server is the base URL of the PhoneAgent REST API,
	// e.g. "http://localhost:8000".
	Server string `yaml:"server"`

	// PushURL is the websocket endpoint for the live channel. Empty
	// means derive it from Server by swapping the scheme to ws/wss
	// and appending /ws/monitor.
	PushURL string `yaml:"push_url"`

	// Channel tunes the live channel's timing behavior. Zero values
	// take the defaults below.
	Channel ChannelConfig `yaml:"channel"`

	// JournalDir is where event journals are written. Empty disables
	// journaling.
	JournalDir string `yaml:"journal_dir"`
}

// ChannelConfig tunes connection keepalive, reconnection, and the
// poll safety net.
type ChannelConfig struct {
	// HeartbeatInterval is the gap between liveness pings while the
	// connection is open.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// PollInterval is the gap between full-snapshot fetches while a
	// task is running or waiting for user input.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BackoffFloor is the delay before the first reconnect attempt.
	BackoffFloor time.Duration `yaml:"backoff_floor"`

	// BackoffCeiling caps the doubling reconnect delay.
	BackoffCeiling time.Duration `yaml:"backoff_ceiling"`

	// MaxReconnectAttempts bounds automatic reconnection. Once
	// exhausted the channel reports fatal connectivity loss and stops
	// retrying.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// Default timing values, matching the server's expectations.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPollInterval         = time.Second
	DefaultBackoffFloor         = time.Second
	DefaultBackoffCeiling       = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// Default returns a Config with all tuning values at their defaults
// and the server pointed at localhost.
func Default() Config {
	return Config{
		Server: "http://localhost:8000",
		Channel: ChannelConfig{
			HeartbeatInterval:    DefaultHeartbeatInterval,
			PollInterval:         DefaultPollInterval,
			BackoffFloor:         DefaultBackoffFloor,
			BackoffCeiling:       DefaultBackoffCeiling,
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		},
	}
}

// Load reads the config file at path. An empty path falls back to
// PHONEAGENT_CONFIG; if that is also unset, Load returns Default()
// without touching the filesystem.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes, fills defaults for unset tuning
// values, and validates the result.
func Parse(data []byte) (Config, error) {
	configuration := Default()

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&configuration); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}

	configuration.fillDefaults()
	if err := configuration.validate(); err != nil {
		return Config{}, err
	}
	return configuration, nil
}

func (c *Config) fillDefaults() {
	channel := &c.Channel
	if channel.HeartbeatInterval == 0 {
		channel.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if channel.PollInterval == 0 {
		channel.PollInterval = DefaultPollInterval
	}
	if channel.BackoffFloor == 0 {
		channel.BackoffFloor = DefaultBackoffFloor
	}
	if channel.BackoffCeiling == 0 {
		channel.BackoffCeiling = DefaultBackoffCeiling
	}
	if channel.MaxReconnectAttempts == 0 {
		channel.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
}

func (c *Config) validate() error {
	if c.Server == "" {
		return fmt.Errorf("config: server URL is required")
	}
	if !strings.HasPrefix(c.Server, "http://") && !strings.HasPrefix(c.Server, "https://") {
		return fmt.Errorf("config: server URL %q must be http or https", c.Server)
	}
	channel := c.Channel
	if channel.HeartbeatInterval < 0 || channel.PollInterval < 0 ||
		channel.BackoffFloor < 0 || channel.BackoffCeiling < 0 {
		return fmt.Errorf("config: channel intervals must be positive")
	}
	if channel.BackoffCeiling < channel.BackoffFloor {
		return fmt.Errorf("config: backoff_ceiling %v is below backoff_floor %v",
			channel.BackoffCeiling, channel.BackoffFloor)
	}
	if channel.MaxReconnectAttempts < 0 {
		return fmt.Errorf("config: max_reconnect_attempts must not be negative")
	}
	return nil
}

// ResolvedPushURL returns the websocket endpoint, deriving it from the
// server URL when push_url is not set explicitly.
func (c *Config) ResolvedPushURL() string {
	if c.PushURL != "" {
		return c.PushURL
	}
	derived := c.Server
	switch {
	case strings.HasPrefix(derived, "https://"):
		derived = "wss://" + strings.TrimPrefix(derived, "https://")
	case strings.HasPrefix(derived, "http://"):
		derived = "ws://" + strings.TrimPrefix(derived, "http://")
	}
	return strings.TrimRight(derived, "/") + "/ws/monitor"
}
