// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity describes where a source artifact lives.
//
// An Identity names a source member inside a library-qualified container,
// a stream file on the host's hierarchical filesystem, or a purely local
// file. Its Key is the canonical string the session registry indexes by.
//
// # Immutability
//
// Identities are values. The only field that changes after construction is
// the local cache path, which is bound exactly once by BindLocalPath when
// the artifact is materialized.
package identity

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/srcsession/services/srcsession/language"
)

// SystemClass selects which naming fields of an Identity are populated.
type SystemClass int

const (
	// ContainerHost is a member of a source physical file (QSYS).
	ContainerHost SystemClass = iota

	// HierarchicalFS is a stream file addressed by an absolute remote path (IFS).
	HierarchicalFS

	// LocalFS is a file that only exists on this machine. It is never
	// materialized or locked.
	LocalFS
)

// String returns the short class name used in keys and logs.
func (c SystemClass) String() string {
	switch c {
	case ContainerHost:
		return "qsys"
	case HierarchicalFS:
		return "ifs"
	case LocalFS:
		return "local"
	default:
		return "unknown"
	}
}

// MarshalText renders the class name for JSON payloads.
func (c SystemClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the names produced by String, plus the long forms
// "container_host" and "hierarchical_fs".
func (c *SystemClass) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "qsys", "container_host", "container":
		*c = ContainerHost
	case "ifs", "hierarchical_fs", "stream":
		*c = HierarchicalFS
	case "local", "local_fs":
		*c = LocalFS
	default:
		return fmt.Errorf("%w: unknown system class %q", ErrInvalidIdentity, text)
	}
	return nil
}

// Identity describes a remote (or local) source artifact.
//
// Which fields are meaningful depends on Class:
//
//   - ContainerHost: Qualifier, Object, Member, Extension, RecordLength.
//   - HierarchicalFS: RemotePath, Extension (derived from the path if empty).
//   - LocalFS: RemotePath holds the local file path.
type Identity struct {
	Class        SystemClass `json:"class"`
	Qualifier    string      `json:"qualifier,omitempty" validate:"omitempty,objname"`
	Object       string      `json:"object,omitempty" validate:"omitempty,objname"`
	Member       string      `json:"member,omitempty" validate:"omitempty,objname"`
	Extension    string      `json:"extension,omitempty" validate:"omitempty,max=32,excludesall=/\\:."`
	RecordLength int         `json:"record_length,omitempty" validate:"gte=0,lte=32766"`
	RemotePath   string      `json:"remote_path,omitempty" validate:"omitempty,max=4096"`

	localPath string
}

// NewMember builds and validates a ContainerHost identity.
//
// # Inputs
//
//   - qualifier: Library (container) name, e.g. "LIB1".
//   - object: Source file name, e.g. "QRPGLESRC".
//   - member: Member name, e.g. "PGM1".
//   - extension: Member type, e.g. "RPGLE".
//
// # Outputs
//
//   - Identity: The identity with names upper-cased.
//   - error: ErrInvalidIdentity (wrapped) when a field is missing or malformed.
func NewMember(qualifier, object, member, extension string) (Identity, error) {
	id := Identity{
		Class:     ContainerHost,
		Qualifier: strings.ToUpper(strings.TrimSpace(qualifier)),
		Object:    strings.ToUpper(strings.TrimSpace(object)),
		Member:    strings.ToUpper(strings.TrimSpace(member)),
		Extension: strings.ToUpper(strings.TrimSpace(extension)),
	}
	if err := Validate(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewStreamFile builds and validates a HierarchicalFS identity. The
// extension is taken from the path suffix.
func NewStreamFile(remotePath string) (Identity, error) {
	id := Identity{
		Class:      HierarchicalFS,
		RemotePath: cleanRemote(remotePath),
	}
	id.Extension = suffix(id.RemotePath)
	if err := Validate(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewLocal builds an identity for a file that only exists locally. The
// path is made absolute and is also bound as the local cache path.
func NewLocal(localPath string) (Identity, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: resolving %s: %v", ErrInvalidIdentity, localPath, err)
	}
	id := Identity{
		Class:      LocalFS,
		RemotePath: abs,
		Extension:  suffix(abs),
		localPath:  abs,
	}
	if err := Validate(id); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// WithRecordLength returns a copy carrying the fixed record length of the
// containing source file. Only meaningful for ContainerHost identities.
func (id Identity) WithRecordLength(n int) Identity {
	id.RecordLength = n
	return id
}

// Normalize fills derived fields on an identity decoded from an external
// payload: names are upper-cased for ContainerHost, paths are cleaned and
// the extension is derived from the path suffix when absent.
func (id Identity) Normalize() Identity {
	switch id.Class {
	case ContainerHost:
		id.Qualifier = strings.ToUpper(strings.TrimSpace(id.Qualifier))
		id.Object = strings.ToUpper(strings.TrimSpace(id.Object))
		id.Member = strings.ToUpper(strings.TrimSpace(id.Member))
		id.Extension = strings.ToUpper(strings.TrimSpace(id.Extension))
	case HierarchicalFS:
		id.RemotePath = cleanRemote(id.RemotePath)
		if id.Extension == "" {
			id.Extension = suffix(id.RemotePath)
		}
	case LocalFS:
		if abs, err := filepath.Abs(id.RemotePath); err == nil && id.RemotePath != "" {
			id.RemotePath = abs
		}
		if id.Extension == "" {
			id.Extension = suffix(id.RemotePath)
		}
		if id.localPath == "" {
			id.localPath = id.RemotePath
		}
	}
	return id
}

// Key returns the canonical identity-key.
//
// Container members key on class, qualifier, object and member; the member
// type is an attribute of the member, not part of its name. Stream and local
// files key on their path.
//
//	qsys:LIB1/QRPGLESRC/PGM1
//	ifs:/home/dev/src/util.rpgle
//	local:/tmp/scratch.sql
func (id Identity) Key() string {
	switch id.Class {
	case ContainerHost:
		return fmt.Sprintf("%s:%s/%s/%s", id.Class, id.Qualifier, id.Object, id.Member)
	default:
		return fmt.Sprintf("%s:%s", id.Class, id.RemotePath)
	}
}

// String implements fmt.Stringer with the identity-key.
func (id Identity) String() string {
	return id.Key()
}

// Language derives the language binding from the extension.
func (id Identity) Language() language.Tag {
	return language.Classify(id.Extension)
}

// IsRemote reports whether the artifact lives on the remote host and
// therefore needs materializing and locking.
func (id Identity) IsRemote() bool {
	return id.Class == ContainerHost || id.Class == HierarchicalFS
}

// DisplayName is the tab title the shell shows: "pgm1.rpgle" for members,
// the base name for stream and local files.
func (id Identity) DisplayName() string {
	if id.Class == ContainerHost {
		if id.Extension == "" {
			return strings.ToLower(id.Member)
		}
		return strings.ToLower(id.Member + "." + id.Extension)
	}
	return path.Base(filepath.ToSlash(id.RemotePath))
}

// LocalPath returns the bound local cache path, or "" before materialization.
func (id Identity) LocalPath() string {
	return id.localPath
}

// BindLocalPath records where the artifact was materialized.
//
// # Description
//
// The local path may be set exactly once. Binding the same path again is a
// no-op; binding a different one returns ErrLocalPathBound.
//
// # Inputs
//
//   - p: Absolute path of the local cache file. Must not be empty.
//
// # Outputs
//
//   - error: Non-nil when p is empty or a different path is already bound.
func (id *Identity) BindLocalPath(p string) error {
	if p == "" {
		return fmt.Errorf("%w: empty local path", ErrInvalidIdentity)
	}
	if id.localPath != "" && id.localPath != p {
		return fmt.Errorf("%w: %s already bound to %s", ErrLocalPathBound, id.Key(), id.localPath)
	}
	id.localPath = p
	return nil
}

// WithLocalPath returns a copy with the local cache path bound. It is used
// when reopening an artifact from a cache that already exists on disk.
func (id Identity) WithLocalPath(p string) (Identity, error) {
	if err := id.BindLocalPath(p); err != nil {
		return Identity{}, err
	}
	return id, nil
}

func cleanRemote(p string) string {
	p = strings.TrimSpace(filepath.ToSlash(p))
	if p == "" {
		return ""
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func suffix(p string) string {
	ext := path.Ext(filepath.ToSlash(p))
	return strings.ToUpper(strings.TrimPrefix(ext, "."))
}
