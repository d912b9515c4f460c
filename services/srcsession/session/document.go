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
	"sync"
	"time"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/language"
)

// =============================================================================
// STATE
// =============================================================================

// State is a document's position in its lifecycle.
//
//	UNOPENED --Open--> MATERIALIZING --ok--> LOCK_PENDING --locked--> OPEN
//	MATERIALIZING --fail--> UNOPENED
//	LOCK_PENDING --fail--> OPEN_READONLY or UNOPENED (per LockPolicy)
//	OPEN / OPEN_READONLY --Close--> CLOSED
//
// Only OPEN, OPEN_READONLY and CLOSED are ever observed on a Document; the
// other states exist while Open is running and are recorded on its span.
type State int

const (
	StateUnopened State = iota
	StateMaterializing
	StateLockPending
	StateOpen
	StateOpenReadOnly
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateMaterializing:
		return "materializing"
	case StateLockPending:
		return "lock_pending"
	case StateOpen:
		return "open"
	case StateOpenReadOnly:
		return "open_readonly"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name for JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// =============================================================================
// DOCUMENT
// =============================================================================

// Document is one open source artifact.
//
// # Description
//
// The registry hands the same *Document to every caller that opens the
// same identity-key while it is registered. Identity, local path and
// language are fixed at construction; lock-held, dirty and state change
// through the registry only.
//
// # Thread Safety
//
// Safe for concurrent use.
type Document struct {
	id        identity.Identity
	lang      language.Tag
	openedAt  time.Time
	fromCache bool

	mu          sync.RWMutex
	state       State
	lockHeld    bool
	dirty       bool
	lockFailure error
}

func newDocument(id identity.Identity, fromCache bool) *Document {
	return &Document{
		id:        id,
		lang:      id.Language(),
		openedAt:  time.Now(),
		fromCache: fromCache,
	}
}

// Key returns the identity-key.
func (d *Document) Key() string { return d.id.Key() }

// Identity returns the identity with its local path bound.
func (d *Document) Identity() identity.Identity { return d.id }

// LocalPath returns the local cache path.
func (d *Document) LocalPath() string { return d.id.LocalPath() }

// Language returns the language bound from the extension.
func (d *Document) Language() language.Tag { return d.lang }

// OpenedAt returns when the document was registered.
func (d *Document) OpenedAt() time.Time { return d.openedAt }

// FromCache reports whether Open reused an existing cache file instead of
// materializing.
func (d *Document) FromCache() bool { return d.fromCache }

// State returns the current lifecycle state.
func (d *Document) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// LockHeld reports whether this session holds the remote lock.
func (d *Document) LockHeld() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lockHeld
}

// Dirty reports whether there are unsaved edits.
func (d *Document) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty
}

// ReadOnly reports whether the document was opened without its lock.
func (d *Document) ReadOnly() bool {
	return d.State() == StateOpenReadOnly
}

// LockFailure returns why the lock could not be acquired for a read-only
// document, or nil.
func (d *Document) LockFailure() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lockFailure
}

// setDirty updates the dirty flag and reports whether it changed.
func (d *Document) setDirty(dirty bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dirty == dirty {
		return false
	}
	d.dirty = dirty
	return true
}

func (d *Document) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = s
}

func (d *Document) setLockHeld(held bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lockHeld = held
}

// Info is a point-in-time view of a document for APIs and logs.
type Info struct {
	Key         string            `json:"key"`
	DisplayName string            `json:"display_name"`
	Identity    identity.Identity `json:"identity"`
	LocalPath   string            `json:"local_path"`
	Language    language.Tag      `json:"language"`
	State       State             `json:"state"`
	LockHeld    bool              `json:"lock_held"`
	Dirty       bool              `json:"dirty"`
	ReadOnly    bool              `json:"read_only"`
	FromCache   bool              `json:"from_cache,omitempty"`
	LockFailure string            `json:"lock_failure,omitempty"`
	OpenedAt    time.Time         `json:"opened_at"`
}

// Info returns a snapshot of the document.
func (d *Document) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()

	info := Info{
		Key:         d.id.Key(),
		DisplayName: d.id.DisplayName(),
		Identity:    d.id,
		LocalPath:   d.id.LocalPath(),
		Language:    d.lang,
		State:       d.state,
		LockHeld:    d.lockHeld,
		Dirty:       d.dirty,
		ReadOnly:    d.state == StateOpenReadOnly,
		FromCache:   d.fromCache,
		OpenedAt:    d.openedAt,
	}
	if d.lockFailure != nil {
		info.LockFailure = d.lockFailure.Error()
	}
	return info
}
