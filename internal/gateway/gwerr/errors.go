// ump is an OGC API Processes federation gateway.
// Copyright (C) 2025 The ump Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package gwerr defines the gateway's error taxonomy and carries enough
// classification for callers to map an error onto an HTTP status without
// string-matching messages.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry decisions and HTTP
// status mapping.
type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	NotFound          Kind = "not_found"
	Conflict          Kind = "conflict"
	TransportError    Kind = "transport_error"
	TimeoutError      Kind = "timeout_error"
	BadGatewayError   Kind = "bad_gateway"
	TransientUpstream Kind = "transient_upstream"
	TerminalUpstream  Kind = "terminal_upstream"
	ShuttingDown      Kind = "shutting_down"
	Internal          Kind = "internal"
)

// Error is a typed error carrying a Kind classification alongside the
// wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the classification from err, defaulting to Internal when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether an upstream HTTP status code should be retried
// by the Retry Policy, per the transient/terminal classification table.
// Only 502/503/504 and 408/429 are transient; every other non-2xx,
// including the rest of the 5xx range, is terminal.
func Retryable(statusCode int) bool {
	switch statusCode {
	case 502, 503, 504, 408, 429:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by the Job Repository when no row matches a
// lookup by id.
var ErrNotFound = errors.New("not found")

// ErrJobExists is returned by Create when the id already exists.
var ErrJobExists = errors.New("job already exists")
