// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

// Package monitor implements the live task channel: the client-side
// layer that keeps an operator's view of a running automation task
// current and lets the operator respond to the agent's questions.
//
// The push channel carries JSON envelopes ({"type": ..., "data": ...})
// over a [Transport]. [Conn] owns the channel lifecycle: a single
// shared connection with application-level ping/pong heartbeats and
// exponential-backoff reconnection that goes terminal after the
// attempt budget is spent. [Dispatcher] fans each envelope out to
// typed subscribers in registration order, dropping unknown kinds and
// isolating panicking callbacks.
//
// [Syncer] maintains the authoritative task projection by merging two
// sources: pushed step and status events, and periodic REST polls
// through [TaskAPI]. The step list only ever grows — a pushed step is
// accepted only at exactly the next index, and a poll result replaces
// the list only when it is strictly longer. Scalar task fields
// overwrite idempotently from either source.
//
// [Coordinator] handles human-intervention requests: at most one
// outstanding prompt per task, and exactly one response per request —
// operator answer, operator cancel, or countdown timeout, whichever
// resolves first.
//
// [Monitor] assembles the pieces behind a pull-based UI surface:
// a coalesced Updates signal plus copy-returning accessors for the
// task snapshot, the pending prompt, the device fleet, and
// connectivity. [Journal] optionally records every received frame to
// a compressed per-task file for replay.
//
// Every timer in the package runs on an injectable [clock.Clock], so
// tests drive heartbeats, backoff, polls, and intervention countdowns
// deterministically.
package monitor
