// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations.
var (
	// ErrNotOpen indicates no document is registered for the identity-key.
	ErrNotOpen = errors.New("document not open")

	// ErrReadOnly indicates a write-back was attempted on a document opened
	// without its lock.
	ErrReadOnly = errors.New("document is read-only")

	// ErrUnknownLockPolicy indicates a lock policy name that is not
	// "read_only" or "abort".
	ErrUnknownLockPolicy = errors.New("unknown lock policy")
)

// OpenError attaches the identity-key and outcome to a failed Open.
//
// # Fields
//
//   - Key: Identity-key that was being opened.
//   - Outcome: MaterializeFailed, LockFailed or InvalidIdentity.
//   - Err: The cause, e.g. a *transfer.Error or *lock.Error.
type OpenError struct {
	Key     string
	Outcome Outcome
	Err     error
}

// Error returns a human-readable error message.
func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %s: %v", e.Key, e.Outcome, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OpenError) Unwrap() error {
	return e.Err
}
