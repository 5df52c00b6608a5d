// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

// Package clock provides an injectable time source so that every
// timer-driven piece of the monitor (heartbeat, reconnect backoff,
// poll loop, intervention countdown, elapsed display) can be tested
// deterministically against a fake clock instead of real sleeps.
package clock
