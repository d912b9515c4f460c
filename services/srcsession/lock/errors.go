// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
)

// Sentinel errors for lock operations.
var (
	// ErrAlreadyLockedByOther indicates another session holds the marker.
	ErrAlreadyLockedByOther = errors.New("already locked by another session")

	// ErrLockReleaseFailed indicates the remote marker could not be cleared.
	// It is logged and reported as an event, never returned to callers.
	ErrLockReleaseFailed = errors.New("lock release failed")

	// ErrNotRemote indicates a lock was requested for a local-only identity.
	ErrNotRemote = errors.New("identity is not remote")

	// ErrMarkerLocked indicates the platform file lock on a marker is held
	// by another open file description.
	ErrMarkerLocked = errors.New("marker file is locked")

	// ErrMarkerUnstable indicates a marker file kept being replaced while
	// it was being locked.
	ErrMarkerUnstable = errors.New("marker file replaced during acquisition")
)

// Error provides detailed information about a failed lock operation.
//
// # Fields
//
//   - Key: Identity key of the artifact.
//   - Op: "acquire" or "release".
//   - Holder: The current marker holder, when known.
//   - Err: The underlying error.
type Error struct {
	Key    string
	Op     string
	Holder *MarkerInfo
	Err    error
}

// Error returns a human-readable error message.
func (e *Error) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%s %s: held by session %s (pid %d on %s) since %s: %v",
			e.Op, e.Key, e.Holder.SessionID, e.Holder.PID, e.Holder.Host,
			e.Holder.LockedAt.Format("15:04:05"), e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}
