// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gcs implements a transfer.Gateway over a Cloud Storage bucket that
// holds an export of the remote host's sources.
//
// Object names mirror the cache layout:
//
//	<prefix>/qsys/<LIB>/<OBJ>/<MBR>.<EXT>
//	<prefix>/ifs/<remote path>
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
)

// Gateway downloads and uploads source artifacts as bucket objects.
type Gateway struct {
	storageClient *storage.Client
	BucketName    string
	Prefix        string
	cacheDir      string
	logger        *slog.Logger
}

// NewGateway creates a bucket-backed gateway.
//
// # Inputs
//
//   - ctx: Context for client construction.
//   - bucketName: Bucket holding the exported sources.
//   - prefix: Optional object name prefix.
//   - saKeyPath: Service account key file.
//   - cacheDir: Local cache directory. Created if missing.
//
// # Outputs
//
//   - *Gateway: Ready to use. Call Close when done.
//   - error: Non-nil if the key file is missing or the client fails.
func NewGateway(ctx context.Context, bucketName, prefix, saKeyPath, cacheDir string) (*Gateway, error) {
	if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
	}

	storageClient, err := storage.NewClient(ctx, option.WithCredentialsFile(saKeyPath))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		storageClient.Close()
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	return &Gateway{
		storageClient: storageClient,
		BucketName:    bucketName,
		Prefix:        strings.Trim(prefix, "/"),
		cacheDir:      cacheDir,
		logger:        slog.Default().With("component", "gcs_gateway"),
	}, nil
}

// ObjectName returns the bucket object that holds id.
//
// # Outputs
//
//   - string: The object name, under Prefix when one is set.
//   - error: transfer.ErrOutsideRoot when the name would leave its
//     qsys/ or ifs/ tree.
func (g *Gateway) ObjectName(id identity.Identity) (string, error) {
	var tree, name string
	if id.Class == identity.ContainerHost {
		mbr := id.Member
		if id.Extension != "" {
			mbr += "." + id.Extension
		}
		tree = "qsys"
		name = path.Join(tree, id.Qualifier, id.Object, mbr)
	} else {
		tree = "ifs"
		name = path.Join(tree, strings.TrimPrefix(id.RemotePath, "/"))
	}
	if !strings.HasPrefix(name, tree+"/") {
		return "", fmt.Errorf("%w: object %q is not under %s/", transfer.ErrOutsideRoot, name, tree)
	}
	if g.Prefix != "" {
		name = path.Join(g.Prefix, name)
	}
	return name, nil
}

// Materialize downloads the object into the cache.
func (g *Gateway) Materialize(ctx context.Context, id identity.Identity) (string, error) {
	objName, err := g.ObjectName(id)
	if err != nil {
		return "", transfer.OutsideRoot(id, "materialize", err)
	}
	dst, err := transfer.CachePath(g.cacheDir, id)
	if err != nil {
		return "", transfer.OutsideRoot(id, "materialize", err)
	}

	reader, err := g.storageClient.Bucket(g.BucketName).Object(objName).NewReader(ctx)
	if err != nil {
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: mapError(err)}
	}
	defer reader.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: mapError(err)}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".gcs-*")
	if err != nil {
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: mapError(err)}
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: mapError(err)}
	}
	if err := tmp.Close(); err != nil {
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: mapError(err)}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", &transfer.Error{Key: id.Key(), Op: "materialize", Err: mapError(err)}
	}

	g.logger.Debug("Materialized artifact",
		slog.String("identity_key", id.Key()),
		slog.String("object", objName),
		slog.String("local_path", dst))
	return dst, nil
}

// Upload writes the local cache file over the object.
func (g *Gateway) Upload(ctx context.Context, id identity.Identity, localPath string) error {
	localFile, err := os.Open(localPath)
	if err != nil {
		return &transfer.Error{Key: id.Key(), Op: "upload", Err: mapError(err)}
	}
	defer localFile.Close()

	objName, err := g.ObjectName(id)
	if err != nil {
		return transfer.OutsideRoot(id, "upload", err)
	}
	writer := g.storageClient.Bucket(g.BucketName).Object(objName).NewWriter(ctx)
	writer.ContentType = "text/plain; charset=utf-8"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, localFile); err != nil {
		writer.Close()
		return &transfer.Error{Key: id.Key(), Op: "upload", Err: mapError(err)}
	}
	if err := writer.Close(); err != nil {
		return &transfer.Error{Key: id.Key(), Op: "upload", Err: mapError(err)}
	}

	g.logger.Debug("Uploaded artifact",
		slog.String("identity_key", id.Key()),
		slog.String("object", "gs://"+g.BucketName+"/"+objName))
	return nil
}

// Close releases the storage client.
func (g *Gateway) Close() error {
	if g.storageClient == nil {
		return nil
	}
	return g.storageClient.Close()
}

// mapError maps storage and filesystem errors onto the transfer taxonomy.
func mapError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) ||
		errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
	}
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %v", transfer.ErrPermissionDenied, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", transfer.ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", transfer.ErrPermissionDenied, err)
		}
	}
	return fmt.Errorf("%w: %w", transfer.ErrNetwork, err)
}
