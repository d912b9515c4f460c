// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
)

// ============================================================================
// NewGateway Tests
// ============================================================================

func TestNewGateway_NonExistentSAKeyPath(t *testing.T) {
	_, err := NewGateway(context.Background(), "src-bucket", "", "/nonexistent/key.json", t.TempDir())
	if err == nil {
		t.Fatal("NewGateway with non-existent SA key should return error")
	}
	if !strings.Contains(err.Error(), "service account key not found") {
		t.Errorf("Error should mention SA key not found, got: %v", err)
	}
}

func TestNewGateway_InvalidCredentialsFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "invalid_key.json")
	if err := os.WriteFile(keyPath, []byte("not valid json"), 0600); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	_, err := NewGateway(context.Background(), "src-bucket", "", keyPath, t.TempDir())
	if err == nil {
		t.Fatal("NewGateway with invalid credentials should return error")
	}
}

// ============================================================================
// ObjectName Tests
// ============================================================================

func TestGateway_ObjectName(t *testing.T) {
	member, err := identity.NewMember("LIB1", "QRPGLESRC", "PGM1", "RPGLE")
	if err != nil {
		t.Fatal(err)
	}
	stream, err := identity.NewStreamFile("/home/dev/util.clle")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		prefix string
		id     identity.Identity
		want   string
	}{
		{"", member, "qsys/LIB1/QRPGLESRC/PGM1.RPGLE"},
		{"exports/prod/", member, "exports/prod/qsys/LIB1/QRPGLESRC/PGM1.RPGLE"},
		{"", stream, "ifs/home/dev/util.clle"},
		{"/exports", stream, "exports/ifs/home/dev/util.clle"},
	}

	for _, tt := range tests {
		g := &Gateway{BucketName: "b", Prefix: strings.Trim(tt.prefix, "/")}
		got, err := g.ObjectName(tt.id)
		if err != nil {
			t.Fatalf("ObjectName(%s): %v", tt.id.Key(), err)
		}
		if got != tt.want {
			t.Errorf("ObjectName(%s) with prefix %q = %q, want %q", tt.id.Key(), tt.prefix, got, tt.want)
		}
	}
}

func TestGateway_ObjectName_RefusesEscape(t *testing.T) {
	g := &Gateway{BucketName: "b", Prefix: "exports/prod"}

	escaping := []identity.Identity{
		{Class: identity.ContainerHost, Qualifier: "..", Object: "..", Member: "EVIL", Extension: "RPGLE"},
		{Class: identity.HierarchicalFS, RemotePath: "/../../secrets.txt"},
	}
	for _, id := range escaping {
		name, err := g.ObjectName(id)
		if !errors.Is(err, transfer.ErrOutsideRoot) {
			t.Errorf("ObjectName(%s) = %q, %v; want ErrOutsideRoot", id.Key(), name, err)
		}
	}
}

func TestMaterialize_EscapeFailsBeforeBucketAccess(t *testing.T) {
	// A nil client would panic if the bucket were touched.
	g := &Gateway{BucketName: "b", cacheDir: t.TempDir()}
	id := identity.Identity{Class: identity.ContainerHost, Qualifier: "..", Object: "..", Member: "EVIL", Extension: "RPGLE"}

	_, err := g.Materialize(context.Background(), id)
	if !errors.Is(err, transfer.ErrPermissionDenied) || !errors.Is(err, transfer.ErrOutsideRoot) {
		t.Fatalf("Materialize error = %v, want permission denied outside root", err)
	}
}

// ============================================================================
// Error Mapping Tests
// ============================================================================

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"object missing", storage.ErrObjectNotExist, transfer.ErrNotFound},
		{"bucket missing", fmt.Errorf("reader: %w", storage.ErrBucketNotExist), transfer.ErrNotFound},
		{"api 404", &googleapi.Error{Code: http.StatusNotFound}, transfer.ErrNotFound},
		{"api 401", &googleapi.Error{Code: http.StatusUnauthorized}, transfer.ErrPermissionDenied},
		{"api 403", &googleapi.Error{Code: http.StatusForbidden}, transfer.ErrPermissionDenied},
		{"api 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, transfer.ErrNetwork},
		{"local permission", os.ErrPermission, transfer.ErrPermissionDenied},
		{"other", errors.New("connection reset"), transfer.ErrNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("mapError(%v) = %v, want wrapping %v", tt.err, got, tt.want)
			}
		})
	}
}

// ============================================================================
// Upload Tests (error paths that don't require a bucket)
// ============================================================================

func TestGateway_Upload_NonExistentLocalFile(t *testing.T) {
	g := &Gateway{BucketName: "b"}
	id, err := identity.NewStreamFile("/a.rpgle")
	if err != nil {
		t.Fatal(err)
	}

	err = g.Upload(context.Background(), id, "/nonexistent/file.rpgle")
	if !errors.Is(err, transfer.ErrNotFound) {
		t.Fatalf("Upload error = %v, want ErrNotFound", err)
	}
}

func TestGateway_Close_NilClient(t *testing.T) {
	g := &Gateway{}
	if err := g.Close(); err != nil {
		t.Errorf("Close on gateway without client = %v", err)
	}
}
