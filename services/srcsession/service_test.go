// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package srcsession

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/srcsession/services/srcsession/compile"
	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/events"
	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/lock"
	"github.com/AleutianAI/srcsession/services/srcsession/session"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer/mirror"
)

const testCommandsYAML = `
commands:
  CRTBNDRPG: "CRTBNDRPG PGM(&OPENLIB/&OPENMBR) SRCFILE(&OPENLIB/&OPENSPF)"
  CRTRPGMOD: "CRTRPGMOD MODULE(&OPENLIB/&OPENMBR) SRCFILE(&OPENLIB/&OPENSPF)"
  CRTBNDRPG_STMF: "CRTBNDRPG PGM(*CURLIB/&NAME) SRCSTMF('&FULLPATH')"
types:
  RPGLE:
    default: CRTBNDRPG
    commands: [CRTBNDRPG, CRTRPGMOD, CRTBNDRPG_STMF]
`

// =============================================================================
// TEST HARNESS
// =============================================================================

// testEnv is a mirrored host filesystem and a shared marker directory.
type testEnv struct {
	root    string
	markers string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{root: t.TempDir(), markers: t.TempDir()}
	env.writeMember(t, "LIB1", "QRPGLESRC", "PGM1", "     H DFTACTGRP(*NO)\n")
	env.writeMember(t, "LIB1", "QRPGLESRC", "PGM2", "     H NOMAIN\n")
	env.writeMember(t, "LIB1", "QTXTSRC", "NOTES", "release notes\n")
	return env
}

func (e *testEnv) memberPath(lib, file, mbr string) string {
	return filepath.Join(e.root, "QSYS.LIB", lib+".LIB", file+".FILE", mbr+".MBR")
}

func (e *testEnv) writeMember(t *testing.T, lib, file, mbr, content string) {
	t.Helper()
	p := e.memberPath(lib, file, mbr)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

// fakeRunner counts compiles and optionally blocks them on gate.
type fakeRunner struct {
	gate    chan struct{}
	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32

	mu      sync.Mutex
	lastID  identity.Identity
	lastCmd string
}

func (r *fakeRunner) last() (identity.Identity, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastID, r.lastCmd
}

func (r *fakeRunner) RunCompile(ctx context.Context, id identity.Identity, command string) (compile.Result, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastID, r.lastCmd = id, command
	r.mu.Unlock()
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		m := r.maxSeen.Load()
		if n <= m || r.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return compile.Result{}, ctx.Err()
		}
	}
	return compile.Result{Status: compile.StatusSuccess}, nil
}

type serviceOption func(*ServiceConfig)

func withPolicy(p session.LockPolicy) serviceOption {
	return func(c *ServiceConfig) { c.LockPolicy = p }
}

func withWatch(debounce time.Duration) serviceOption {
	return func(c *ServiceConfig) {
		c.DisableWatch = false
		c.WatchDebounce = debounce
	}
}

// gatedGateway holds every Materialize on gate after signalling entered.
type gatedGateway struct {
	transfer.Gateway
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedGateway) Materialize(ctx context.Context, id identity.Identity) (string, error) {
	g.entered <- struct{}{}
	<-g.gate
	return g.Gateway.Materialize(ctx, id)
}

func newTestService(t *testing.T, env *testEnv, runner compile.Runner, opts ...serviceOption) *Service {
	t.Helper()
	return newTestServiceWithGateway(t, env, runner, nil, opts...)
}

// newTestServiceWithGateway is newTestService with the mirror gateway passed
// through wrap when wrap is non-nil.
func newTestServiceWithGateway(t *testing.T, env *testEnv, runner compile.Runner,
	wrap func(transfer.Gateway) transfer.Gateway, opts ...serviceOption) *Service {
	t.Helper()

	mg, err := mirror.New(env.root, t.TempDir())
	require.NoError(t, err)
	var gw transfer.Gateway = mg
	if wrap != nil {
		gw = wrap(gw)
	}

	marker, err := lock.NewFileMarker(lock.FileMarkerConfig{Dir: env.markers, TTL: time.Hour})
	require.NoError(t, err)

	commands, err := config.ParseCompileRegistry(context.Background(), []byte(testCommandsYAML))
	require.NoError(t, err)

	if runner == nil {
		runner = &fakeRunner{}
	}

	cfg := DefaultServiceConfig()
	cfg.DisableWatch = true
	for _, opt := range opts {
		opt(&cfg)
	}

	svc, err := NewService(cfg, Deps{
		Gateway:  gw,
		Marker:   marker,
		Runner:   runner,
		Commands: commands,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = marker.Close()
	})
	return svc
}

func pgm(t *testing.T, name string) identity.Identity {
	t.Helper()
	id, err := identity.NewMember("LIB1", "QRPGLESRC", name, "RPGLE")
	require.NoError(t, err)
	return id
}

func eventTypes(evs []events.Event) []events.Type {
	out := make([]events.Type, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

// =============================================================================
// DOCUMENT LIFECYCLE
// =============================================================================

func TestService_OpenEditSaveClose(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, nil)
	ctx := context.Background()
	id := pgm(t, "PGM1")

	doc, outcome, err := svc.OpenDocument(ctx, id)
	require.NoError(t, err)
	require.Equal(t, session.Created, outcome)
	assert.Equal(t, session.StateOpen, doc.State())
	assert.True(t, doc.LockHeld())
	assert.False(t, doc.Dirty())

	content, err := os.ReadFile(doc.LocalPath())
	require.NoError(t, err)
	assert.Equal(t, "     H DFTACTGRP(*NO)\n", string(content))
	require.Len(t, svc.HeldLocks(), 1)

	// Edit the local cache, then save it back.
	require.NoError(t, os.WriteFile(doc.LocalPath(), []byte("     H DFTACTGRP(*NO) ACTGRP(*NEW)\n"), 0o644))
	require.NoError(t, svc.MarkDirty(doc.Key()))
	assert.True(t, doc.Dirty())

	require.NoError(t, svc.SaveDocument(ctx, doc.Key()))
	assert.False(t, doc.Dirty())
	remote, err := os.ReadFile(env.memberPath("LIB1", "QRPGLESRC", "PGM1"))
	require.NoError(t, err)
	assert.Equal(t, "     H DFTACTGRP(*NO) ACTGRP(*NEW)\n", string(remote))

	assert.Equal(t, session.Closed, svc.CloseDocument(ctx, doc.Key()))
	assert.Empty(t, svc.HeldLocks())
	assert.Empty(t, svc.Documents())

	assert.Equal(t, []events.Type{
		events.TypeLockResult,
		events.TypeDocumentOpened,
		events.TypeDirtyChanged,
		events.TypeDirtyChanged,
		events.TypeDocumentSaved,
		events.TypeLockResult,
		events.TypeDocumentClosed,
	}, eventTypes(svc.Events(doc.Key())))

	evs := svc.Events(doc.Key())
	assert.Equal(t, "locked", evs[0].Data.(events.LockResultData).Status)
	assert.Equal(t, "released", evs[5].Data.(events.LockResultData).Status)
	assert.True(t, evs[6].Data.(events.DocumentClosedData).LockReleased)
}

func TestService_ReopenReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	svc := newTestService(t, env, nil)
	ctx := context.Background()

	first, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)

	second, outcome, err := svc.OpenDocument(ctx, pgm(t, "pgm1"))
	require.NoError(t, err)
	assert.Equal(t, session.AlreadyOpen, outcome)
	assert.Same(t, first, second)
	assert.Len(t, filterEvents(svc.Events(first.Key()), events.TypeDocumentOpened), 1)
}

func TestService_CloseNeverOpened(t *testing.T) {
	svc := newTestService(t, newTestEnv(t), nil)
	assert.Equal(t, session.NotOpen, svc.CloseDocument(context.Background(), "qsys:LIB1/QRPGLESRC/NOPE"))
}

func TestService_MaterializeNotFound(t *testing.T) {
	svc := newTestService(t, newTestEnv(t), nil)
	id := pgm(t, "MISSING")

	doc, outcome, err := svc.OpenDocument(context.Background(), id)
	assert.Nil(t, doc)
	assert.Equal(t, session.MaterializeFailed, outcome)
	assert.ErrorIs(t, err, transfer.ErrNotFound)
	assert.Empty(t, svc.Documents())
	assert.Empty(t, svc.HeldLocks())
	assert.Empty(t, svc.Events(id.Key()), "no lock attempt, no events")
}

func TestService_SecondSessionOpensReadOnly(t *testing.T) {
	env := newTestEnv(t)
	owner := newTestService(t, env, nil)
	other := newTestService(t, env, nil)
	ctx := context.Background()
	id := pgm(t, "PGM1")

	_, outcome, err := owner.OpenDocument(ctx, id)
	require.NoError(t, err)
	require.Equal(t, session.Created, outcome)

	doc, outcome, err := other.OpenDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.CreatedReadOnly, outcome)
	assert.True(t, doc.ReadOnly())
	assert.False(t, doc.LockHeld())
	assert.ErrorIs(t, doc.LockFailure(), lock.ErrAlreadyLockedByOther)

	evs := other.Events(id.Key())
	require.NotEmpty(t, evs)
	lockEv := evs[0].Data.(events.LockResultData)
	assert.Equal(t, "already_locked_by_other", lockEv.Status)
	assert.Equal(t, os.Getpid(), lockEv.HolderPID)
	assert.NotEmpty(t, lockEv.HolderSession)

	require.NoError(t, other.MarkDirty(id.Key()))
	assert.ErrorIs(t, other.SaveDocument(ctx, id.Key()), session.ErrReadOnly)

	// Once the owner closes, the other session can reopen with the lock.
	require.Equal(t, session.Closed, owner.CloseDocument(ctx, id.Key()))
	require.Equal(t, session.Closed, other.CloseDocument(ctx, id.Key()))

	doc, outcome, err = other.OpenDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.Created, outcome)
	assert.True(t, doc.LockHeld())
}

func TestService_AbortPolicyRegistersNothing(t *testing.T) {
	env := newTestEnv(t)
	owner := newTestService(t, env, nil)
	other := newTestService(t, env, nil, withPolicy(session.AbortOnLockFailure))
	ctx := context.Background()
	id := pgm(t, "PGM1")

	_, _, err := owner.OpenDocument(ctx, id)
	require.NoError(t, err)

	doc, outcome, err := other.OpenDocument(ctx, id)
	assert.Nil(t, doc)
	assert.Equal(t, session.LockFailed, outcome)
	assert.ErrorIs(t, err, lock.ErrAlreadyLockedByOther)
	assert.Empty(t, other.Documents())
}

func TestService_FocusFollowsClose(t *testing.T) {
	svc := newTestService(t, newTestEnv(t), nil)
	ctx := context.Background()

	doc, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)
	require.NoError(t, svc.Focus(doc.Key()))

	active, ok := svc.Active()
	require.True(t, ok)
	assert.Same(t, doc, active)

	svc.CloseDocument(ctx, doc.Key())
	_, ok = svc.Active()
	assert.False(t, ok)
}

// =============================================================================
// COMPILE
// =============================================================================

func TestService_SubmitCompile(t *testing.T) {
	env := newTestEnv(t)
	runner := &fakeRunner{}
	svc := newTestService(t, env, runner)
	ctx := context.Background()

	_, err := svc.SubmitCompile(ctx, "qsys:LIB1/QRPGLESRC/PGM1", "")
	assert.ErrorIs(t, err, session.ErrNotOpen)

	doc, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)

	cmds, err := svc.CompileCommands(doc.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"CRTBNDRPG", "CRTRPGMOD"}, cmds)

	handle, err := svc.SubmitCompile(ctx, doc.Key(), "")
	require.NoError(t, err)
	assert.Equal(t, "CRTBNDRPG", handle.Job().Command)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	compileEvents := filterEvents(svc.Events(doc.Key()), events.TypeCompileQueued, events.TypeCompileResult)
	require.Len(t, compileEvents, 2)
	assert.Equal(t, events.TypeCompileQueued, compileEvents[0].Type)
	result := compileEvents[1].Data.(events.CompileResultData)
	assert.Equal(t, handle.ID(), result.JobID)
	assert.Equal(t, "success", result.Status)

	_, err = svc.SubmitCompile(ctx, doc.Key(), "DLTPGM")
	assert.ErrorIs(t, err, config.ErrUnknownCommand)
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestService_SubmitCompile_StreamFileDefault(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.root, "home", "dev", "util.rpgle")
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("**free\ndsply 'hi';\n"), 0o644))

	runner := &fakeRunner{}
	svc := newTestService(t, env, runner)
	ctx := context.Background()

	id, err := identity.NewStreamFile("/home/dev/util.rpgle")
	require.NoError(t, err)
	doc, _, err := svc.OpenDocument(ctx, id)
	require.NoError(t, err)

	cmds, err := svc.CompileCommands(doc.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"CRTBNDRPG_STMF"}, cmds)

	def, err := svc.DefaultCompileCommand(doc.Key())
	require.NoError(t, err)
	assert.Equal(t, "CRTBNDRPG_STMF", def)

	_, err = svc.SubmitCompile(ctx, doc.Key(), "CRTBNDRPG")
	assert.ErrorIs(t, err, config.ErrUnknownCommand, "member commands are not offered for stream files")

	handle, err := svc.SubmitCompile(ctx, doc.Key(), "")
	require.NoError(t, err)
	assert.Equal(t, "CRTBNDRPG_STMF", handle.Job().Command)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	reg, err := config.ParseCompileRegistry(ctx, []byte(testCommandsYAML))
	require.NoError(t, err)
	ranID, ranCmd := runner.last()
	tmpl, ok := reg.Template(ranCmd)
	require.True(t, ok)
	expanded := compile.Expand(tmpl, ranID)
	assert.Contains(t, expanded, "SRCSTMF('/home/dev/util.rpgle')")
	assert.Contains(t, expanded, "PGM(*CURLIB/UTIL)")
	assert.NotContains(t, expanded, "SRCFILE(")
}

func TestService_CompileDisabledForDocument(t *testing.T) {
	svc := newTestService(t, newTestEnv(t), nil)
	ctx := context.Background()

	id, err := identity.NewMember("LIB1", "QTXTSRC", "NOTES", "TXT")
	require.NoError(t, err)
	doc, _, err := svc.OpenDocument(ctx, id)
	require.NoError(t, err)

	cmds, err := svc.CompileCommands(doc.Key())
	require.NoError(t, err, "an empty list is a capability answer, not an error")
	assert.Empty(t, cmds)

	_, err = svc.SubmitCompile(ctx, doc.Key(), "")
	assert.ErrorIs(t, err, config.ErrConfigurationMissing)
}

func TestService_CompilesForOneDocumentAreSequential(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	svc := newTestService(t, newTestEnv(t), runner)
	ctx := context.Background()

	doc, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)

	first, err := svc.SubmitCompile(ctx, doc.Key(), "CRTBNDRPG")
	require.NoError(t, err)
	second, err := svc.SubmitCompile(ctx, doc.Key(), "CRTRPGMOD")
	require.NoError(t, err)
	assert.Equal(t, 0, first.Position())
	assert.Equal(t, 1, second.Position())

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	runner.gate <- struct{}{}
	runner.gate <- struct{}{}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = second.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), runner.maxSeen.Load())
}

func TestService_CompilesForDistinctDocumentsOverlap(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	svc := newTestService(t, newTestEnv(t), runner)
	ctx := context.Background()

	a, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)
	b, _, err := svc.OpenDocument(ctx, pgm(t, "PGM2"))
	require.NoError(t, err)

	ha, err := svc.SubmitCompile(ctx, a.Key(), "")
	require.NoError(t, err)
	hb, err := svc.SubmitCompile(ctx, b.Key(), "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return runner.running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(runner.gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = ha.Wait(waitCtx)
	require.NoError(t, err)
	_, err = hb.Wait(waitCtx)
	require.NoError(t, err)
}

func TestService_CloseDiscardsInflightCompile(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	svc := newTestService(t, newTestEnv(t), runner)
	ctx := context.Background()

	doc, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)
	handle, err := svc.SubmitCompile(ctx, doc.Key(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.Equal(t, session.Closed, svc.CloseDocument(ctx, doc.Key()))
	close(runner.gate)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, res.Discarded, "the compile ran to completion")
	assert.Empty(t, filterEvents(svc.Events(doc.Key()), events.TypeCompileResult))
}

// =============================================================================
// WATCH AND SHUTDOWN
// =============================================================================

func TestService_ExternalChange(t *testing.T) {
	svc := newTestService(t, newTestEnv(t), nil, withWatch(20*time.Millisecond))
	ctx := context.Background()

	doc, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)

	changes := make(chan events.Event, 4)
	svc.Subscribe(func(ev *events.Event) {
		select {
		case changes <- *ev:
		default:
		}
	}, events.TypeExternalChange)

	require.NoError(t, os.WriteFile(doc.LocalPath(), []byte("changed elsewhere\n"), 0o644))

	select {
	case ev := <-changes:
		assert.Equal(t, doc.Key(), ev.Key)
		data := ev.Data.(events.ExternalChangeData)
		assert.Equal(t, "write", data.Op)
		assert.Equal(t, doc.LocalPath(), data.LocalPath)
	case <-time.After(3 * time.Second):
		t.Fatal("no external change reported")
	}
}

func TestService_Shutdown(t *testing.T) {
	runner := &fakeRunner{}
	svc := newTestService(t, newTestEnv(t), runner)
	ctx := context.Background()

	_, _, err := svc.OpenDocument(ctx, pgm(t, "PGM1"))
	require.NoError(t, err)
	_, _, err = svc.OpenDocument(ctx, pgm(t, "PGM2"))
	require.NoError(t, err)
	require.Len(t, svc.HeldLocks(), 2)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(shutdownCtx))

	assert.Empty(t, svc.Documents())
	assert.Empty(t, svc.HeldLocks())

	_, _, err = svc.OpenDocument(ctx, pgm(t, "PGM1"))
	assert.ErrorIs(t, err, ErrServiceShutdown)
	_, err = svc.SubmitCompile(ctx, "qsys:LIB1/QRPGLESRC/PGM1", "")
	assert.ErrorIs(t, err, ErrServiceShutdown)
	assert.NoError(t, svc.Shutdown(shutdownCtx))
}

func TestService_ShutdownWaitsForInflightOpen(t *testing.T) {
	env := newTestEnv(t)
	gated := &gatedGateway{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	svc := newTestServiceWithGateway(t, env, nil, func(gw transfer.Gateway) transfer.Gateway {
		gated.Gateway = gw
		return gated
	})
	id := pgm(t, "PGM1")

	opened := make(chan error, 1)
	go func() {
		_, _, err := svc.OpenDocument(context.Background(), id)
		opened <- err
	}()
	<-gated.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- svc.Shutdown(ctx) }()

	select {
	case err := <-stopped:
		t.Fatalf("Shutdown returned while an open was materializing: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	_, _, err := svc.OpenDocument(context.Background(), pgm(t, "PGM2"))
	assert.ErrorIs(t, err, ErrServiceShutdown, "opens started after Shutdown are refused")

	close(gated.gate)
	require.NoError(t, <-opened)
	require.NoError(t, <-stopped)

	assert.Empty(t, svc.Documents())
	assert.Empty(t, svc.HeldLocks())

	board, err := lock.NewFileMarker(lock.FileMarkerConfig{Dir: env.markers, TTL: time.Hour})
	require.NoError(t, err)
	defer board.Close()
	markers, err := board.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, markers, "no marker outlives Shutdown")
}

func TestService_ShutdownGivesUpOnStuckOpen(t *testing.T) {
	gated := &gatedGateway{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	svc := newTestServiceWithGateway(t, newTestEnv(t), nil, func(gw transfer.Gateway) transfer.Gateway {
		gated.Gateway = gw
		return gated
	})
	id := pgm(t, "PGM1")

	opened := make(chan struct{})
	go func() {
		defer close(opened)
		_, _, _ = svc.OpenDocument(context.Background(), id)
	}()
	<-gated.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := svc.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(gated.gate)
	<-opened
}

func TestNewService_MissingDependency(t *testing.T) {
	_, err := NewService(DefaultServiceConfig(), Deps{})
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestService_ConcurrentOpenSameIdentity(t *testing.T) {
	svc := newTestService(t, newTestEnv(t), nil)
	id := pgm(t, "PGM1")

	const callers = 6
	docs := make([]*session.Document, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			doc, _, err := svc.OpenDocument(context.Background(), id)
			assert.NoError(t, err)
			docs[i] = doc
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, docs[0], docs[i])
	}
	assert.Len(t, filterEvents(svc.Events(id.Key()), events.TypeLockResult), 1, "one acquire")
}

func filterEvents(evs []events.Event, types ...events.Type) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		for _, t := range types {
			if ev.Type == t {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
