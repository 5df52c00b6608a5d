// Copyright 2025 PhoneAgent Contributors
// SPDX-License-Identifier: AGPL-3.0

package monitor

import (
	"errors"
	"fmt"
)

// ServerError is a structured error response from the PhoneAgent REST
// API. Callers use errors.As to inspect the status code:
//
//	var serverErr *ServerError
//	if errors.As(err, &serverErr) && serverErr.StatusCode == 404 { ... }
type ServerError struct {
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
	// Detail is the human-readable error description from the server.
	Detail string `json:"detail"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server: %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a ServerError for a missing
// resource.
func IsNotFound(err error) bool {
	var serverErr *ServerError
	return errors.As(err, &serverErr) && serverErr.StatusCode == 404
}

// Intervention coordinator validation errors. These mean the answer
// was rejected locally and nothing was sent to the server.
var (
	// ErrNoPendingIntervention is returned when Answer or Cancel is
	// called with no intervention outstanding.
	ErrNoPendingIntervention = errors.New("monitor: no pending intervention")

	// ErrEmptyAnswer is returned when an input-kind answer is empty or
	// whitespace only.
	ErrEmptyAnswer = errors.New("monitor: answer must not be empty")

	// ErrUnknownOption is returned when a confirm-kind answer is not
	// one of the offered options.
	ErrUnknownOption = errors.New("monitor: answer is not one of the offered options")
)

// ErrConnectivityLost is surfaced when reconnection attempts are
// exhausted and the channel gives up. This is the one transport
// failure the monitor cannot recover from on its own.
var ErrConnectivityLost = errors.New("monitor: reconnect attempts exhausted")
