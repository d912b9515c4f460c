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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

const (
	// maxOpenAttempts bounds retries when a marker file is replaced between
	// open and lock.
	maxOpenAttempts = 3

	// maxMarkerSize caps how much of a marker file is decoded.
	maxMarkerSize = 64 * 1024
)

// FileMarkerConfig configures a FileMarker.
type FileMarkerConfig struct {
	// Dir is the marker directory. Every process sharing it contends for the
	// same markers. Default: ".srcsession/locks".
	Dir string

	// SessionID identifies this holder. Default: a fresh UUID.
	SessionID string

	// TTL bounds how long a marker from another host is honoured. Zero
	// means markers never expire.
	TTL time.Duration
}

// FileMarker implements Marker with one lock file per identity.
//
// # Description
//
// A marker is the file <dir>/<sha256(key)[:16]>.lock. Holding it means
// holding the platform file lock on it; the JSON body records the holder for
// diagnostics and for staleness checks. A crashed holder's platform lock
// disappears with its process, and its body then names a dead PID, so the
// next acquirer reclaims it.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type FileMarker struct {
	dir       string
	sessionID string
	host      string
	ttl       time.Duration
	locker    FileLocker
	logger    *slog.Logger

	mu   sync.Mutex
	held map[string]*markerEntry
}

type markerEntry struct {
	file *os.File
	path string
	info MarkerInfo
}

// NewFileMarker creates a file marker board.
//
// # Inputs
//
//   - cfg: Board configuration.
//
// # Outputs
//
//   - *FileMarker: Ready to use. Call Close to clear all held markers.
//   - error: Non-nil if the marker directory cannot be created.
func NewFileMarker(cfg FileMarkerConfig) (*FileMarker, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(".srcsession", "locks")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = NewSessionID()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating marker directory %s: %w", cfg.Dir, err)
	}

	return &FileMarker{
		dir:       cfg.Dir,
		sessionID: cfg.SessionID,
		host:      Hostname(),
		ttl:       cfg.TTL,
		locker:    newPlatformLocker(),
		logger:    slog.Default().With("component", "file_marker", "session_id", cfg.SessionID),
		held:      make(map[string]*markerEntry),
	}, nil
}

// SessionID returns the holder ID written into markers.
func (m *FileMarker) SessionID() string {
	return m.sessionID
}

// SetExclusiveMarker takes the marker for id.
func (m *FileMarker) SetExclusiveMarker(ctx context.Context, id identity.Identity) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := id.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return true, nil
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return false, fmt.Errorf("creating marker directory: %w", err)
	}

	path := m.markerPath(key)
	for attempt := 0; attempt < maxOpenAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return false, fmt.Errorf("opening marker %s: %w", path, err)
		}

		if err := m.locker.Lock(f); err != nil {
			f.Close()
			if errors.Is(err, ErrMarkerLocked) {
				return false, nil
			}
			return false, fmt.Errorf("locking marker %s: %w", path, err)
		}

		// A releasing holder unlinks the file before unlocking it; if that
		// happened after our open, we locked an orphaned inode.
		if !samePath(f, path) {
			m.unlockAndClose(f)
			continue
		}

		existing := readMarker(f)
		if existing != nil && existing.SessionID != m.sessionID {
			if !existing.IsStale(m.host) {
				m.unlockAndClose(f)
				return false, nil
			}
			m.logger.Info("Reclaiming stale marker",
				slog.String("identity_key", key),
				slog.Int("old_pid", existing.PID),
				slog.String("old_host", existing.Host))
		}

		info := newMarkerInfo(key, m.sessionID, m.host, m.ttl)
		if err := writeMarker(f, info); err != nil {
			m.unlockAndClose(f)
			return false, fmt.Errorf("writing marker %s: %w", path, err)
		}

		m.held[key] = &markerEntry{file: f, path: path, info: info}
		m.logger.Debug("Set marker", slog.String("identity_key", key), slog.String("marker", path))
		return true, nil
	}

	return false, fmt.Errorf("%w: %s", ErrMarkerUnstable, path)
}

// ClearExclusiveMarker drops the marker for id if this session holds it.
func (m *FileMarker) ClearExclusiveMarker(ctx context.Context, id identity.Identity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clearLocked(id.Key())
}

// clearLocked empties and removes the marker, then drops the platform lock.
// The body is truncated first so that a file that cannot be removed (open
// handles on Windows) still reads as free. Must be called with mu held.
func (m *FileMarker) clearLocked(key string) (bool, error) {
	entry, ok := m.held[key]
	if !ok {
		return false, nil
	}
	delete(m.held, key)

	truncErr := entry.file.Truncate(0)
	removeErr := os.Remove(entry.path)
	m.unlockAndClose(entry.file)

	if removeErr != nil && !os.IsNotExist(removeErr) {
		// Windows refuses to unlink a file with open handles.
		removeErr = os.Remove(entry.path)
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		if truncErr != nil {
			return false, fmt.Errorf("clearing marker %s: %w", entry.path, truncErr)
		}
		m.logger.Debug("Marker file left in place",
			slog.String("marker", entry.path),
			slog.String("error", removeErr.Error()))
	}

	m.logger.Debug("Cleared marker", slog.String("identity_key", key))
	return true, nil
}

// Inspect reports the holder of the marker for key, or nil when it is free.
func (m *FileMarker) Inspect(ctx context.Context, key string) (*MarkerInfo, error) {
	m.mu.Lock()
	if entry, ok := m.held[key]; ok {
		info := entry.info
		m.mu.Unlock()
		return &info, nil
	}
	m.mu.Unlock()

	info, err := readMarkerFile(m.markerPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return info, nil
}

// List returns every marker in the directory, held or not, sorted by key.
func (m *FileMarker) List(ctx context.Context) ([]MarkerInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading marker directory: %w", err)
	}

	var out []MarkerInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		info, err := readMarkerFile(filepath.Join(m.dir, entry.Name()))
		if err != nil || info == nil {
			continue
		}
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// CleanupStaleMarkers removes markers whose holder is gone.
//
// # Description
//
// A marker is removed only if its platform lock can be taken (no live
// process holds it) and its body is empty or stale. Markers held by this
// board are skipped.
//
// # Outputs
//
//   - int: Number of markers removed.
//   - error: Non-nil if the directory cannot be read.
func (m *FileMarker) CleanupStaleMarkers(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading marker directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ours := make(map[string]bool, len(m.held))
	for _, e := range m.held {
		ours[e.path] = true
	}

	cleaned := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return cleaned, ctx.Err()
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lock" {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if ours[path] {
			continue
		}
		if m.removeIfStale(path) {
			cleaned++
		}
	}
	return cleaned, nil
}

func (m *FileMarker) removeIfStale(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return false
	}
	if err := m.locker.Lock(f); err != nil {
		f.Close()
		return false
	}
	defer m.unlockAndClose(f)

	if !samePath(f, path) {
		return false
	}
	info := readMarker(f)
	if info != nil && !info.IsStale(m.host) {
		return false
	}

	if err := os.Remove(path); err != nil {
		m.logger.Warn("Failed to remove stale marker",
			slog.String("marker", path),
			slog.String("error", err.Error()))
		return false
	}
	if info != nil {
		m.logger.Info("Cleaned up stale marker",
			slog.String("identity_key", info.Key),
			slog.Int("pid", info.PID),
			slog.Bool("expired", info.IsExpired()))
	}
	return true
}

// Close clears every marker this board holds.
func (m *FileMarker) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for key := range m.held {
		if _, err := m.clearLocked(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =============================================================================
// Internal helpers
// =============================================================================

// markerPath uses SHA256[:16] of the key so any key maps to a safe filename.
func (m *FileMarker) markerPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])[:16]+".lock")
}

func (m *FileMarker) unlockAndClose(f *os.File) {
	if err := m.locker.Unlock(f); err != nil {
		m.logger.Debug("Failed to unlock marker",
			slog.String("marker", f.Name()),
			slog.String("error", err.Error()))
	}
	f.Close()
}

// samePath reports whether path still names the open file f.
func samePath(f *os.File, path string) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	pi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(fi, pi)
}

// readMarker decodes the body of an open marker file. Empty or corrupt
// bodies read as nil, meaning free.
func readMarker(f *os.File) *MarkerInfo {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(f, maxMarkerSize))
	if err != nil || len(data) == 0 {
		return nil
	}
	var info MarkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func readMarkerFile(path string) (*MarkerInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMarkerSize))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info MarkerInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding marker %s: %w", path, err)
	}
	return &info, nil
}

func writeMarker(f *os.File, info MarkerInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}
