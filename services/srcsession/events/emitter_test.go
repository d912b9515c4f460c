// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitter_SubscribeByType(t *testing.T) {
	e := NewEmitter()

	var compiles, all atomic.Int32
	e.Subscribe(func(ev *Event) { compiles.Add(1) }, TypeCompileResult)
	e.Subscribe(func(ev *Event) { all.Add(1) })

	e.Emit(TypeCompileResult, "qsys:LIB1/PGM1/PGM1", CompileResultData{Status: "success"})
	e.Emit(TypeLockResult, "qsys:LIB1/PGM1/PGM1", LockResultData{Status: "locked"})

	if got := compiles.Load(); got != 1 {
		t.Errorf("typed subscriber saw %d events, want 1", got)
	}
	if got := all.Load(); got != 2 {
		t.Errorf("untyped subscriber saw %d events, want 2", got)
	}
}

func TestEmitter_SubscribeKey(t *testing.T) {
	e := NewEmitter()

	var seen []string
	e.SubscribeKey("qsys:A/B/C", func(ev *Event) { seen = append(seen, ev.Key) })

	e.Emit(TypeDirtyChanged, "qsys:A/B/C", DirtyChangedData{Dirty: true})
	e.Emit(TypeDirtyChanged, "qsys:X/Y/Z", DirtyChangedData{Dirty: true})

	if len(seen) != 1 || seen[0] != "qsys:A/B/C" {
		t.Fatalf("seen = %v, want only qsys:A/B/C", seen)
	}
}

func TestEmitter_Unsubscribe(t *testing.T) {
	e := NewEmitter()

	var n atomic.Int32
	id := e.Subscribe(func(ev *Event) { n.Add(1) })
	if e.SubscriptionCount() != 1 {
		t.Fatalf("SubscriptionCount = %d, want 1", e.SubscriptionCount())
	}

	if !e.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false for a live subscription")
	}
	if e.Unsubscribe(id) {
		t.Error("second Unsubscribe should return false")
	}

	e.Emit(TypeDocumentClosed, "k", nil)
	if n.Load() != 0 {
		t.Error("handler ran after Unsubscribe")
	}
}

func TestEmitter_HandlerPanicIsRecovered(t *testing.T) {
	e := NewEmitter()

	var after atomic.Int32
	e.Subscribe(func(ev *Event) { panic("boom") })
	e.Subscribe(func(ev *Event) { after.Add(1) })

	ev := e.Emit(TypeCompileResult, "k", nil)
	if ev.ID == "" {
		t.Error("emitted event has no ID")
	}
	if after.Load() != 1 {
		t.Error("panicking handler prevented delivery to other subscribers")
	}
}

func TestEmitter_Buffer(t *testing.T) {
	e := NewEmitter(WithBufferSize(3))

	for _, key := range []string{"a", "b", "a", "c"} {
		e.Emit(TypeDirtyChanged, key, DirtyChangedData{Dirty: true})
	}

	recent := e.Recent()
	if len(recent) != 3 {
		t.Fatalf("len(Recent) = %d, want 3", len(recent))
	}
	if recent[0].Key != "b" || recent[2].Key != "c" {
		t.Errorf("oldest event was not evicted: %+v", recent)
	}

	if got := e.RecentForKey("a"); len(got) != 1 {
		t.Errorf("RecentForKey(a) = %d events, want 1", len(got))
	}
	if got := e.RecentByType(TypeDirtyChanged); len(got) != 3 {
		t.Errorf("RecentByType = %d events, want 3", len(got))
	}

	e.Reset()
	if len(e.Recent()) != 0 || e.SubscriptionCount() != 0 {
		t.Error("Reset did not clear state")
	}
}

func TestEmitter_ZeroBuffer(t *testing.T) {
	e := NewEmitter(WithBufferSize(0))
	e.Emit(TypeDirtyChanged, "a", nil)
	if len(e.Recent()) != 0 {
		t.Error("zero-size buffer retained an event")
	}
}

func TestEmitter_Channel(t *testing.T) {
	e := NewEmitter()
	ctx, cancel := context.WithCancel(context.Background())

	ch := e.Channel(ctx, 4, nil, TypeCompileResult)
	e.Emit(TypeLockResult, "k", nil)
	e.Emit(TypeCompileResult, "k", CompileResultData{JobID: "j1"})

	select {
	case ev := <-ch:
		data, ok := ev.Data.(CompileResultData)
		if !ok || data.JobID != "j1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	deadline := time.Now().Add(time.Second)
	for e.SubscriptionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.SubscriptionCount() != 0 {
		t.Error("channel subscription not removed")
	}

	// Emitting after the channel closed must not panic.
	e.Emit(TypeCompileResult, "k", nil)
}

func TestEmitter_ChannelDropsWhenFull(t *testing.T) {
	e := NewEmitter()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := e.Channel(ctx, 1, nil)
	e.Emit(TypeDirtyChanged, "a", nil)
	e.Emit(TypeDirtyChanged, "b", nil)

	ev := <-ch
	if ev.Key != "a" {
		t.Errorf("first delivered key = %q, want a", ev.Key)
	}
	select {
	case extra := <-ch:
		t.Errorf("expected overflow to be dropped, got %+v", extra)
	default:
	}
}

func TestEmitter_ConcurrentEmit(t *testing.T) {
	e := NewEmitter(WithBufferSize(10))

	var n atomic.Int32
	e.Subscribe(func(ev *Event) { n.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(TypeDirtyChanged, "k", nil)
			}
		}()
	}
	wg.Wait()

	if n.Load() != 1000 {
		t.Errorf("handler saw %d events, want 1000", n.Load())
	}
	if len(e.Recent()) != 10 {
		t.Errorf("buffer holds %d events, want 10", len(e.Recent()))
	}
}

func TestAllTypes_Unique(t *testing.T) {
	seen := map[Type]bool{}
	for _, typ := range AllTypes() {
		if seen[typ] {
			t.Errorf("duplicate type %s", typ)
		}
		seen[typ] = true
	}
	if len(seen) != 8 {
		t.Errorf("AllTypes has %d entries, want 8", len(seen))
	}
}
