// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// Marker is the remote exclusive-marker primitive.
//
// # Description
//
// SetExclusiveMarker returns true when this session now holds the marker
// (including when it already did), and false with a nil error when another
// session holds it. ClearExclusiveMarker returns true when the marker this
// session held was cleared, false when there was nothing of ours to clear.
// A non-nil error means the marker store itself failed.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Marker interface {
	SetExclusiveMarker(ctx context.Context, id identity.Identity) (bool, error)
	ClearExclusiveMarker(ctx context.Context, id identity.Identity) (bool, error)
}

// Inspector is implemented by markers that can report the current holder.
// Inspect returns nil, nil when no marker exists for key.
type Inspector interface {
	Inspect(ctx context.Context, key string) (*MarkerInfo, error)
}

// Board is implemented by markers whose entries can be listed and pruned.
type Board interface {
	List(ctx context.Context) ([]MarkerInfo, error)
	CleanupStaleMarkers(ctx context.Context) (int, error)
}

// MarkerInfo records who holds a marker.
type MarkerInfo struct {
	Key       string    `json:"key"`
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	SessionID string    `json:"session_id"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the marker has passed its TTL. Markers without
// an expiry never expire.
func (i *MarkerInfo) IsExpired() bool {
	return !i.ExpiresAt.IsZero() && time.Now().After(i.ExpiresAt)
}

// IsStale reports whether the marker can be reclaimed: it expired, or it was
// written on host by a process that no longer exists. Liveness of processes
// on other hosts cannot be checked, so only the TTL applies to them.
func (i *MarkerInfo) IsStale(host string) bool {
	if i.IsExpired() {
		return true
	}
	return i.Host == host && !IsProcessAlive(i.PID)
}

// NewSessionID returns a fresh marker session ID.
func NewSessionID() string {
	return uuid.NewString()
}

func newMarkerInfo(key, sessionID, host string, ttl time.Duration) MarkerInfo {
	now := time.Now()
	info := MarkerInfo{
		Key:       key,
		PID:       os.Getpid(),
		Host:      host,
		SessionID: sessionID,
		LockedAt:  now,
	}
	if ttl > 0 {
		info.ExpiresAt = now.Add(ttl)
	}
	return info
}

// Hostname returns the host name written into markers, or "localhost".
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}
