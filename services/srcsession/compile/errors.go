// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compile

import "errors"

var (
	// ErrDispatchFailed indicates the job could not be run: the runner
	// could not be started, returned an error, or panicked.
	ErrDispatchFailed = errors.New("compile dispatch failed")

	// ErrCompileFailed indicates the remote build ran and reported failure.
	ErrCompileFailed = errors.New("compile failed")

	// ErrDispatcherClosed indicates a job was submitted after Close.
	ErrDispatcherClosed = errors.New("compile dispatcher closed")

	// ErrRunnerTimeout indicates the runner exceeded its configured timeout.
	ErrRunnerTimeout = errors.New("compile runner timed out")

	// ErrNoRunner indicates an ExecRunner was configured without a command.
	ErrNoRunner = errors.New("no compile runner command configured")
)
