// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

// Package watchui implements the terminal user interface for watching
// a PhoneAgent task live. Built on bubbletea (Elm architecture), it
// renders the task header, the scrolling step list with
// newly-arrived-step highlighting, and the intervention prompt that
// takes over the keyboard when the agent asks for help.
//
// The UI is strictly a consumer of the [Channel] interface: it wakes
// on the channel's coalesced update signal, pulls fresh copies of the
// snapshot, prompt, and device projection, and renders them. It never
// owns task state, so a UI bug can corrupt pixels but not the
// synchronized projection underneath.
package watchui
