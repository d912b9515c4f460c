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

import (
	"context"
	"time"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the outcome of a compile job.
type Status string

const (
	// StatusSuccess means the remote build completed without errors.
	StatusSuccess Status = "success"

	// StatusFailure means the build ran and failed, or could not be dispatched.
	StatusFailure Status = "failure"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// =============================================================================
// JOB AND RESULT
// =============================================================================

// Job is one compile request. It is transient: created by Submit and
// discarded once its result is delivered.
type Job struct {
	ID          string            `json:"id"`
	Identity    identity.Identity `json:"identity"`
	Command     string            `json:"command"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// Severity classifies a diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is one compiler message.
type Diagnostic struct {
	Severity Severity `json:"severity"`

	// ID is the message identifier, e.g. "RNF7030".
	ID string `json:"id,omitempty"`

	// Line is the 1-based source line, or 0 when unknown.
	Line int `json:"line,omitempty"`

	Message string `json:"message"`
}

// Result is the outcome of a compile job.
//
// Err is nil for StatusSuccess. For StatusFailure it wraps ErrCompileFailed
// when the build ran and failed, or ErrDispatchFailed when it could not run.
type Result struct {
	JobID       string        `json:"job_id"`
	Key         string        `json:"key"`
	Command     string        `json:"command"`
	Status      Status        `json:"status"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Output      string        `json:"output,omitempty"`
	Truncated   bool          `json:"truncated,omitempty"`
	Duration    time.Duration `json:"duration"`
	Err         error         `json:"-"`

	// Discarded is true when the document was closed before the result
	// arrived. Discarded results are not delivered to the result handler.
	Discarded bool `json:"discarded,omitempty"`
}

// Succeeded reports whether the compile succeeded.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// HasErrors reports whether any diagnostic is an error.
func (r Result) HasErrors() bool {
	for _, d := range r.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Runner invokes a remote build.
//
// # Description
//
// RunCompile runs command against id and blocks until the build finishes.
// A build that ran and failed is reported in Result with StatusFailure and
// a nil error. A non-nil error means the build could not be run at all.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across distinct identities.
type Runner interface {
	RunCompile(ctx context.Context, id identity.Identity, command string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, id identity.Identity, command string) (Result, error)

// RunCompile calls f.
func (f RunnerFunc) RunCompile(ctx context.Context, id identity.Identity, command string) (Result, error) {
	return f(ctx, id, command)
}
