// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transfer

import (
	"errors"
	"fmt"
)

// Sentinel errors for transfer operations. Gateways wrap one of these so the
// session layer can classify a failure without knowing the backend.
var (
	// ErrNotFound indicates the remote artifact does not exist.
	ErrNotFound = errors.New("remote artifact not found")

	// ErrPermissionDenied indicates the remote host refused access.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNetwork indicates the remote host could not be reached or the
	// transfer was interrupted.
	ErrNetwork = errors.New("network failure")

	// ErrOutsideRoot indicates an identity resolved to a path outside the
	// cache directory or bucket prefix. Gateways report it as
	// ErrPermissionDenied.
	ErrOutsideRoot = errors.New("path resolves outside root")
)

// Cause is the coarse classification of a transfer failure.
type Cause int

const (
	CauseNone Cause = iota
	CauseNotFound
	CausePermission
	CauseNetwork
)

// String returns the cause name used in logs and API responses.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseNotFound:
		return "not_found"
	case CausePermission:
		return "permission_denied"
	case CauseNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// MarshalText renders the cause name for JSON payloads.
func (c Cause) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// CauseOf classifies err. Errors carrying neither ErrNotFound nor
// ErrPermissionDenied, context cancellation included, count as network
// failures.
func CauseOf(err error) Cause {
	switch {
	case err == nil:
		return CauseNone
	case errors.Is(err, ErrNotFound):
		return CauseNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CausePermission
	default:
		return CauseNetwork
	}
}

// Error attaches the identity key and the operation to a transfer failure.
//
// # Fields
//
//   - Key: Identity key of the artifact.
//   - Op: "materialize" or "upload".
//   - Err: The underlying error, wrapping one of the sentinels.
type Error struct {
	Key string
	Op  string
	Err error
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the classification of the wrapped error.
func (e *Error) Cause() Cause {
	return CauseOf(e.Err)
}
