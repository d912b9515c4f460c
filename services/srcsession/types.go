// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package srcsession

import (
	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/session"
)

// =============================================================================
// REQUESTS
// =============================================================================

// OpenRequest is the request body for POST /v1/srcsession/documents.
type OpenRequest struct {
	// Identity is the artifact to open.
	Identity identity.Identity `json:"identity"`

	// LocalPath reopens an existing local cache instead of downloading.
	// Optional.
	LocalPath string `json:"local_path,omitempty"`
}

// DirtyRequest is the request body for POST /v1/srcsession/documents/:key/dirty.
type DirtyRequest struct {
	// Dirty is true after an edit, false to mark saved without uploading.
	Dirty *bool `json:"dirty" binding:"required"`
}

// CompileRequest is the request body for POST /v1/srcsession/documents/:key/compile.
type CompileRequest struct {
	// Command is the command name. Empty selects the document's default.
	Command string `json:"command,omitempty"`
}

// FocusRequest is the request body for POST /v1/srcsession/focus.
type FocusRequest struct {
	Key string `json:"key" binding:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// OpenResponse is the response for a successful open.
type OpenResponse struct {
	Outcome  session.Outcome `json:"outcome"`
	Document session.Info    `json:"document"`
}

// CloseResponse is the response for DELETE /v1/srcsession/documents/:key.
type CloseResponse struct {
	Key     string               `json:"key"`
	Outcome session.CloseOutcome `json:"outcome"`
}

// DocumentsResponse lists the open documents.
type DocumentsResponse struct {
	Documents []session.Info `json:"documents"`

	// Active is the key of the focused document, empty if none.
	Active string `json:"active,omitempty"`
}

// CommandsResponse lists the compile commands of a document.
type CommandsResponse struct {
	Key      string   `json:"key"`
	Commands []string `json:"commands"`

	// Default is the command used when a compile names none.
	Default string `json:"default,omitempty"`

	// Enabled is false when no commands are configured for the document.
	Enabled bool `json:"enabled"`
}

// CompileResponse is returned when a compile is queued. The result
// arrives later as a compile_result event.
type CompileResponse struct {
	JobID    string `json:"job_id"`
	Key      string `json:"key"`
	Command  string `json:"command"`
	Position int    `json:"position"`
}

// HealthResponse is the response for GET /v1/srcsession/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	OpenDocuments int    `json:"open_documents"`
	HeldLocks     int    `json:"held_locks"`
}

// ErrorResponse is the error body of every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Cause is the transfer failure class for NOT_FOUND, PERMISSION_DENIED
	// and NETWORK_FAILURE.
	Cause string `json:"cause,omitempty"`
}
