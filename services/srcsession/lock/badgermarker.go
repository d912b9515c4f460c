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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	badgerstore "github.com/AleutianAI/srcsession/services/srcsession/storage/badger"
)

// markerPrefix namespaces marker entries in the database.
const markerPrefix = "marker/"

// BadgerMarker implements Marker on a persistent BadgerDB board.
//
// # Description
//
// Setting a marker is a set-if-absent inside one read-write transaction;
// conflicting writers are retried by the store. Entries carry a TTL when
// one is configured, so BadgerDB drops abandoned markers on its own. Markers
// survive daemon restarts; one written by a daemon whose PID is gone is
// reclaimed by the next acquirer.
//
// # Thread Safety
//
// All public methods are safe for concurrent use.
type BadgerMarker struct {
	db        *badgerstore.DB
	sessionID string
	host      string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewBadgerMarker creates a marker board on db. An empty sessionID gets a
// fresh UUID.
func NewBadgerMarker(db *badgerstore.DB, sessionID string, ttl time.Duration) *BadgerMarker {
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	return &BadgerMarker{
		db:        db,
		sessionID: sessionID,
		host:      Hostname(),
		ttl:       ttl,
		logger:    slog.Default().With("component", "badger_marker", "session_id", sessionID),
	}
}

// SessionID returns the holder ID written into markers.
func (m *BadgerMarker) SessionID() string {
	return m.sessionID
}

// SetExclusiveMarker takes the marker for id.
func (m *BadgerMarker) SetExclusiveMarker(ctx context.Context, id identity.Identity) (bool, error) {
	key := id.Key()
	var acquired bool

	err := m.db.Update(ctx, func(txn *badger.Txn) error {
		acquired = false

		existing, err := getMarker(txn, key)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.SessionID == m.sessionID {
				acquired = true
				return nil
			}
			if !existing.IsStale(m.host) {
				return nil
			}
			m.logger.Info("Reclaiming stale marker",
				slog.String("identity_key", key),
				slog.Int("old_pid", existing.PID),
				slog.String("old_host", existing.Host))
		}

		data, err := json.Marshal(newMarkerInfo(key, m.sessionID, m.host, m.ttl))
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(markerPrefix+key), data)
		if m.ttl > 0 {
			entry = entry.WithTTL(m.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("setting marker %s: %w", key, err)
	}
	return acquired, nil
}

// ClearExclusiveMarker deletes the marker for id if this session holds it.
func (m *BadgerMarker) ClearExclusiveMarker(ctx context.Context, id identity.Identity) (bool, error) {
	key := id.Key()
	var cleared bool

	err := m.db.Update(ctx, func(txn *badger.Txn) error {
		cleared = false
		existing, err := getMarker(txn, key)
		if err != nil || existing == nil || existing.SessionID != m.sessionID {
			return err
		}
		if err := txn.Delete([]byte(markerPrefix + key)); err != nil {
			return err
		}
		cleared = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("clearing marker %s: %w", key, err)
	}
	return cleared, nil
}

// Inspect reports the holder of the marker for key, or nil when it is free.
func (m *BadgerMarker) Inspect(ctx context.Context, key string) (*MarkerInfo, error) {
	var info *MarkerInfo
	err := m.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		info, err = getMarker(txn, key)
		return err
	})
	return info, err
}

// List returns every marker on the board, sorted by key.
func (m *BadgerMarker) List(ctx context.Context) ([]MarkerInfo, error) {
	var out []MarkerInfo
	err := m.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(markerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info MarkerInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				m.logger.Warn("Skipping undecodable marker",
					slog.String("key", strings.TrimPrefix(string(it.Item().Key()), markerPrefix)),
					slog.String("error", err.Error()))
				continue
			}
			out = append(out, info)
		}
		return nil
	})
	return out, err
}

// CleanupStaleMarkers deletes markers whose holder is gone.
func (m *BadgerMarker) CleanupStaleMarkers(ctx context.Context) (int, error) {
	markers, err := m.List(ctx)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, info := range markers {
		if info.SessionID == m.sessionID || !info.IsStale(m.host) {
			continue
		}
		key := info.Key
		var removed bool
		err := m.db.Update(ctx, func(txn *badger.Txn) error {
			removed = false
			current, err := getMarker(txn, key)
			if err != nil || current == nil || !current.IsStale(m.host) {
				return err
			}
			removed = true
			return txn.Delete([]byte(markerPrefix + key))
		})
		if err != nil {
			m.logger.Warn("Failed to remove stale marker",
				slog.String("identity_key", key),
				slog.String("error", err.Error()))
			continue
		}
		if removed {
			cleaned++
			m.logger.Info("Cleaned up stale marker",
				slog.String("identity_key", key),
				slog.Int("pid", info.PID))
		}
	}
	return cleaned, nil
}

func getMarker(txn *badger.Txn, key string) (*MarkerInfo, error) {
	item, err := txn.Get([]byte(markerPrefix + key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var info MarkerInfo
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &info)
	})
	if err != nil {
		// An undecodable entry cannot name a live holder.
		return nil, nil
	}
	return &info, nil
}
