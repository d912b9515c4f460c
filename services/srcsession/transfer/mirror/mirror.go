// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mirror implements a transfer.Gateway over a mounted copy of the
// remote host's filesystem (NFS export, SMB share or an rsync target).
//
// Container members are addressed through the QSYS.LIB naming the host
// exposes on its integrated filesystem:
//
//	<root>/QSYS.LIB/<LIB>.LIB/<OBJ>.FILE/<MBR>.MBR
//
// Stream files are addressed by their absolute path under root.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
)

// Gateway copies artifacts between a mirrored remote root and a local cache.
//
// # Thread Safety
//
// Safe for concurrent use. Downloads go to a temp file in the destination
// directory and are renamed into place, so a concurrent reader never sees a
// partial cache file.
type Gateway struct {
	root     string
	cacheDir string
	logger   *slog.Logger
}

// New creates a mirror gateway.
//
// # Inputs
//
//   - root: Directory where the remote filesystem is mounted. Must exist.
//   - cacheDir: Local cache directory. Created if missing.
//
// # Outputs
//
//   - *Gateway: Ready to use.
//   - error: Non-nil if root is not a directory or cacheDir cannot be created.
func New(root, cacheDir string) (*Gateway, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat mirror root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("mirror root %s is not a directory", root)
	}
	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Gateway{
		root:     root,
		cacheDir: cacheDir,
		logger:   slog.Default().With("component", "mirror_gateway"),
	}, nil
}

// RemotePath returns the path of id inside the mirrored root.
//
// # Outputs
//
//   - string: The mirrored artifact path.
//   - error: transfer.ErrOutsideRoot when the path would leave the root.
func (g *Gateway) RemotePath(id identity.Identity) (string, error) {
	var p string
	if id.Class == identity.ContainerHost {
		p = filepath.Join(g.root, "QSYS.LIB",
			id.Qualifier+".LIB", id.Object+".FILE", id.Member+".MBR")
	} else {
		rel := strings.TrimPrefix(filepath.FromSlash(id.RemotePath), string(filepath.Separator))
		p = filepath.Join(g.root, rel)
	}
	if err := transfer.Contained(g.root, p); err != nil {
		return "", err
	}
	return p, nil
}

// Materialize copies the remote artifact into the cache.
func (g *Gateway) Materialize(ctx context.Context, id identity.Identity) (string, error) {
	src, err := g.RemotePath(id)
	if err != nil {
		return "", transfer.OutsideRoot(id, "materialize", err)
	}
	dst, err := transfer.CachePath(g.cacheDir, id)
	if err != nil {
		return "", transfer.OutsideRoot(id, "materialize", err)
	}

	if err := copyFile(ctx, src, dst); err != nil {
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: classify(err)}
	}

	g.logger.Debug("Materialized artifact",
		slog.String("identity_key", id.Key()),
		slog.String("local_path", dst))
	return dst, nil
}

// Upload copies the local cache back over the remote artifact.
func (g *Gateway) Upload(ctx context.Context, id identity.Identity, localPath string) error {
	dst, err := g.RemotePath(id)
	if err != nil {
		return transfer.OutsideRoot(id, "upload", err)
	}
	if err := copyFile(ctx, localPath, dst); err != nil {
		return &transfer.Error{Key: id.Key(), Op: "upload", Err: classify(err)}
	}

	g.logger.Debug("Uploaded artifact",
		slog.String("identity_key", id.Key()),
		slog.String("local_path", localPath))
	return nil
}

// copyFile writes src to dst through a temp file and a rename.
func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory: %w", src, fs.ErrNotExist)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".transfer-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: in}); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}

// classify maps filesystem errors onto the transfer taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", transfer.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %w", transfer.ErrNetwork, err)
	}
}

// ctxReader stops a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
