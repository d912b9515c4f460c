// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events is the notification channel between the session core and
// the shell that displays it.
//
// Every event is keyed by the identity-key of the document it concerns.
// Compile and lock results are delivered here rather than returned to the
// caller that triggered them.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

// Type identifies the kind of event.
type Type string

const (
	// TypeDocumentOpened is emitted when Open registers a document.
	TypeDocumentOpened Type = "document_opened"

	// TypeDocumentClosed is emitted after a document is deregistered.
	TypeDocumentClosed Type = "document_closed"

	// TypeDirtyChanged is emitted when the dirty flag flips.
	TypeDirtyChanged Type = "dirty_changed"

	// TypeDocumentSaved is emitted when the local cache was uploaded.
	TypeDocumentSaved Type = "document_saved"

	// TypeLockResult is emitted for every lock acquire and release.
	TypeLockResult Type = "lock_result"

	// TypeCompileQueued is emitted when a compile job is accepted.
	TypeCompileQueued Type = "compile_queued"

	// TypeCompileResult is emitted when a compile job finishes.
	TypeCompileResult Type = "compile_result"

	// TypeExternalChange is emitted when another process touches a cache file.
	TypeExternalChange Type = "external_change"
)

// AllTypes lists every event type in a stable order.
func AllTypes() []Type {
	return []Type{
		TypeDocumentOpened,
		TypeDocumentClosed,
		TypeDirtyChanged,
		TypeDocumentSaved,
		TypeLockResult,
		TypeCompileQueued,
		TypeCompileResult,
		TypeExternalChange,
	}
}

// Event is one notification.
//
// Description:
//
//	Data holds the typed payload for Type: DocumentOpenedData,
//	DocumentClosedData, DirtyChangedData, LockResultData, CompileQueuedData,
//	CompileResultData or ExternalChangeData. TypeDocumentSaved carries
//	DirtyChangedData with Dirty false.
//
// Thread Safety:
//
//	Event structs should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// Key is the identity-key of the document the event concerns.
	Key string `json:"key"`

	// Timestamp is when the event occurred (Unix milliseconds UTC).
	Timestamp int64 `json:"timestamp"`

	// Data contains the event-specific payload.
	Data any `json:"data,omitempty"`
}

// DocumentOpenedData is the data for document opened events.
type DocumentOpenedData struct {
	DisplayName string `json:"display_name"`
	LocalPath   string `json:"local_path"`
	Language    string `json:"language"`
	LockHeld    bool   `json:"lock_held"`
	ReadOnly    bool   `json:"read_only"`

	// FromCache is true when an existing cache was reused without download.
	FromCache bool `json:"from_cache,omitempty"`
}

// DocumentClosedData is the data for document closed events.
type DocumentClosedData struct {
	// LockReleased reports whether a held lock was handed to the coordinator.
	LockReleased bool `json:"lock_released"`

	// WasDirty is true when unsaved edits were discarded.
	WasDirty bool `json:"was_dirty,omitempty"`
}

// DirtyChangedData is the data for dirty changed and saved events.
type DirtyChangedData struct {
	Dirty bool `json:"dirty"`
}

// LockResultData is the data for lock result events.
type LockResultData struct {
	// Status is the lock.Status name, e.g. "locked" or "release_failed".
	Status string `json:"status"`

	// HolderSession, HolderHost and HolderPID describe another session's
	// marker when Status is "already_locked_by_other".
	HolderSession string `json:"holder_session,omitempty"`
	HolderHost    string `json:"holder_host,omitempty"`
	HolderPID     int    `json:"holder_pid,omitempty"`

	Error string `json:"error,omitempty"`
}

// CompileQueuedData is the data for compile queued events.
type CompileQueuedData struct {
	JobID   string `json:"job_id"`
	Command string `json:"command"`

	// Position is the number of jobs ahead of this one for the same key.
	Position int `json:"position"`
}

// DiagnosticData is one compiler message.
type DiagnosticData struct {
	Severity string `json:"severity"`
	ID       string `json:"id,omitempty"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
}

// CompileResultData is the data for compile result events.
type CompileResultData struct {
	JobID       string           `json:"job_id"`
	Command     string           `json:"command"`
	Status      string           `json:"status"`
	Diagnostics []DiagnosticData `json:"diagnostics,omitempty"`
	Error       string           `json:"error,omitempty"`
	DurationMs  int64            `json:"duration_ms"`
}

// ExternalChangeData is the data for external change events.
type ExternalChangeData struct {
	LocalPath string `json:"local_path"`

	// Op is "write", "remove", "rename" or "chmod".
	Op string `json:"op"`
}
