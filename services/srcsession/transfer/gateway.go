// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transfer defines how source artifacts move between the remote host
// and the local cache.
//
// The session layer only depends on the Gateway interface. Concrete gateways
// live in subpackages: mirror (a mounted or synchronized copy of the remote
// filesystem) and gcs (a Cloud Storage bucket holding exported sources).
package transfer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// Gateway moves artifact bytes between the remote host and the local cache.
//
// # Description
//
// Materialize downloads the artifact into the local cache and returns the
// cache path. Upload writes the local cache back to the remote artifact.
// Failures wrap ErrNotFound, ErrPermissionDenied or ErrNetwork.
//
// The core imposes no timeout on these calls; implementations honour ctx.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use across distinct identities.
type Gateway interface {
	Materialize(ctx context.Context, id identity.Identity) (string, error)
	Upload(ctx context.Context, id identity.Identity, localPath string) error
}

// CachePath returns where an identity is cached under cacheDir.
//
// Container members land at <cache>/qsys/<LIB>/<OBJ>/<MBR>.<EXT>, stream
// files at <cache>/ifs/<remote path>. Every gateway uses this layout so a
// cache written by one can be reopened by another.
//
// # Outputs
//
//   - string: The cache file path.
//   - error: ErrOutsideRoot when the path would leave cacheDir.
func CachePath(cacheDir string, id identity.Identity) (string, error) {
	var p string
	switch id.Class {
	case identity.ContainerHost:
		name := id.Member
		if id.Extension != "" {
			name += "." + id.Extension
		}
		p = filepath.Join(cacheDir, "qsys", id.Qualifier, id.Object, name)
	default:
		rel := strings.TrimPrefix(filepath.FromSlash(id.RemotePath), string(filepath.Separator))
		p = filepath.Join(cacheDir, "ifs", rel)
	}
	if err := Contained(cacheDir, p); err != nil {
		return "", err
	}
	return p, nil
}

// Contained returns ErrOutsideRoot unless p names an entry strictly below
// root.
func Contained(root, p string) error {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." ||
		strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, p, root)
	}
	return nil
}

// OutsideRoot wraps a containment failure for id as a transfer Error.
func OutsideRoot(id identity.Identity, op string, err error) error {
	return &Error{Key: id.Key(), Op: op, Err: fmt.Errorf("%w: %w", ErrPermissionDenied, err)}
}
