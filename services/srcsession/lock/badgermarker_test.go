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
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/srcsession/services/srcsession/storage/badger"
)

func openBoard(t *testing.T) *badgerstore.DB {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBadgerMarker_Exclusive(t *testing.T) {
	db := openBoard(t)
	a := NewBadgerMarker(db, "session-a", time.Hour)
	b := NewBadgerMarker(db, "session-b", time.Hour)
	id := member(t, "PGM1")
	ctx := context.Background()

	if ok, err := a.SetExclusiveMarker(ctx, id); err != nil || !ok {
		t.Fatalf("a.Set = %v, %v", ok, err)
	}
	if ok, err := a.SetExclusiveMarker(ctx, id); err != nil || !ok {
		t.Errorf("a.Set again = %v, %v; want idempotent true", ok, err)
	}
	if ok, err := b.SetExclusiveMarker(ctx, id); err != nil || ok {
		t.Fatalf("b.Set = %v, %v; want false", ok, err)
	}

	holder, err := b.Inspect(ctx, id.Key())
	if err != nil || holder == nil || holder.SessionID != "session-a" {
		t.Errorf("Inspect = %+v, %v", holder, err)
	}

	if cleared, _ := b.ClearExclusiveMarker(ctx, id); cleared {
		t.Error("b must not clear a's marker")
	}
	if cleared, err := a.ClearExclusiveMarker(ctx, id); err != nil || !cleared {
		t.Fatalf("a.Clear = %v, %v", cleared, err)
	}
	if ok, _ := b.SetExclusiveMarker(ctx, id); !ok {
		t.Error("b.Set after release should succeed")
	}
}

func TestBadgerMarker_StaleAndCleanup(t *testing.T) {
	db := openBoard(t)
	ctx := context.Background()
	board := NewBadgerMarker(db, "session-new", 0)

	put := func(info MarkerInfo) {
		data, _ := json.Marshal(info)
		err := db.Update(ctx, func(txn *badger.Txn) error {
			return txn.Set([]byte(markerPrefix+info.Key), data)
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	put(MarkerInfo{Key: "qsys:LIB1/QRPGLESRC/DEAD", PID: -1, Host: Hostname(), SessionID: "crashed"})
	put(MarkerInfo{Key: "qsys:LIB1/QRPGLESRC/GONE", PID: -1, Host: Hostname(), SessionID: "crashed"})
	put(MarkerInfo{Key: "qsys:LIB1/QRPGLESRC/LIVE", PID: 1, Host: "other", SessionID: "remote"})

	if ok, err := board.SetExclusiveMarker(ctx, member(t, "DEAD")); err != nil || !ok {
		t.Fatalf("Set over dead holder = %v, %v", ok, err)
	}
	if ok, _ := board.SetExclusiveMarker(ctx, member(t, "LIVE")); ok {
		t.Error("Set over live remote holder should fail")
	}

	cleaned, err := board.CleanupStaleMarkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cleaned != 1 {
		t.Errorf("cleaned = %d, want 1 (GONE)", cleaned)
	}

	markers, err := board.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(markers) != 2 {
		t.Errorf("List = %+v, want DEAD (now ours) and LIVE", markers)
	}
}
