// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package srcsession provides the remote source session service.
//
// The service owns the session registry, the lock coordinator, the compile
// dispatcher and the cache watcher, and reports everything that happens to
// a document through one event emitter. It exposes:
//   - Opening, closing and saving documents
//   - Dirty and focus tracking
//   - Compile submission with per-document serialization
//   - A notification channel keyed by identity-key
package srcsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/srcsession/services/srcsession/compile"
	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/events"
	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/lock"
	"github.com/AleutianAI/srcsession/services/srcsession/session"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
	"github.com/AleutianAI/srcsession/services/srcsession/watch"
)

// ServiceVersion is the srcsession service version.
const ServiceVersion = "0.1.0"

// shutdownParallelism bounds concurrent closes during Shutdown.
const shutdownParallelism = 8

// ServiceConfig configures the service.
type ServiceConfig struct {
	// LockPolicy decides what Open does when the lock is unavailable.
	// Default: session.ReadOnlyOnLockFailure
	LockPolicy session.LockPolicy

	// Compile configures the dispatcher.
	Compile compile.Config

	// WatchDebounce is the quiet period before an external change is
	// reported. Default: 200ms
	WatchDebounce time.Duration

	// DisableWatch turns off external change detection.
	DisableWatch bool
}

// DefaultServiceConfig returns sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		LockPolicy:    session.ReadOnlyOnLockFailure,
		Compile:       compile.DefaultConfig(),
		WatchDebounce: watch.DefaultOptions().Debounce,
	}
}

// Deps are the collaborators the service calls into.
type Deps struct {
	// Gateway materializes and uploads artifacts. Required.
	Gateway transfer.Gateway

	// Marker is the exclusive-marker capability. Required.
	Marker lock.Marker

	// Runner runs remote builds. Required.
	Runner compile.Runner

	// Commands resolves compile commands per document. Required.
	Commands *config.CompileRegistry

	// Emitter receives events. Default: a new emitter.
	Emitter *events.Emitter

	// Logger is the service logger. Default: slog.Default().
	Logger *slog.Logger
}

// Service is the remote source session service.
//
// Thread Safety:
//
//	Service is safe for concurrent use. Operations on one identity-key are
//	serialized; operations on different keys run in parallel.
type Service struct {
	config     ServiceConfig
	registry   *session.Registry
	locks      *lock.Coordinator
	dispatcher *compile.Dispatcher
	watcher    *watch.Watcher
	commands   *config.CompileRegistry
	emitter    *events.Emitter
	logger     *slog.Logger

	cancel context.CancelFunc

	mu       sync.Mutex
	shutdown bool
	opening  sync.WaitGroup
}

// NewService creates the service and starts its background workers.
//
// Description:
//
//	Wires the lock coordinator, session registry, compile dispatcher and
//	cache watcher together so that every lock result, compile result,
//	lifecycle transition and external change is emitted as an event keyed
//	by identity-key.
//
// Inputs:
//
//	cfg - Service configuration.
//	deps - Collaborators. Gateway, Marker, Runner and Commands are required.
//
// Outputs:
//
//	*Service - The running service. Call Shutdown to stop it.
//	error - ErrMissingDependency, or a watcher setup failure.
func NewService(cfg ServiceConfig, deps Deps) (*Service, error) {
	switch {
	case deps.Gateway == nil:
		return nil, fmt.Errorf("%w: gateway", ErrMissingDependency)
	case deps.Marker == nil:
		return nil, fmt.Errorf("%w: marker", ErrMissingDependency)
	case deps.Runner == nil:
		return nil, fmt.Errorf("%w: runner", ErrMissingDependency)
	case deps.Commands == nil:
		return nil, fmt.Errorf("%w: compile commands", ErrMissingDependency)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = events.NewEmitter(events.WithLogger(logger))
	}

	s := &Service{
		config:   cfg,
		commands: deps.Commands,
		emitter:  emitter,
		logger:   logger.With("service", "srcsession"),
	}

	s.locks = lock.NewCoordinator(deps.Marker,
		lock.WithObserver(s.onLockResult),
		lock.WithLogger(logger))

	s.dispatcher = compile.NewDispatcher(deps.Runner, cfg.Compile,
		compile.WithResultHandler(s.onCompileResult),
		compile.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if !cfg.DisableWatch {
		opts := watch.DefaultOptions()
		if cfg.WatchDebounce > 0 {
			opts.Debounce = cfg.WatchDebounce
		}
		opts.Logger = logger
		w, err := watch.New(s.onExternalChange, opts)
		if err != nil {
			cancel()
			_ = s.dispatcher.Close(context.Background())
			return nil, fmt.Errorf("creating cache watcher: %w", err)
		}
		w.Start(ctx)
		s.watcher = w
	}

	s.registry = session.NewRegistry(deps.Gateway, s.locks,
		session.WithLockPolicy(cfg.LockPolicy),
		session.WithLogger(logger),
		session.WithHooks(session.Hooks{
			OnOpened:       s.onOpened,
			OnClosed:       s.onClosed,
			OnDirtyChanged: s.onDirtyChanged,
			OnSaved:        s.onSaved,
		}))

	s.logger.Info("Service started",
		"lock_policy", cfg.LockPolicy.String(),
		"max_concurrent_compiles", cfg.Compile.MaxConcurrent,
		"watch", !cfg.DisableWatch)
	return s, nil
}

// =============================================================================
// DOCUMENT OPERATIONS
// =============================================================================

// OpenDocument opens id, or returns the document already open for it.
//
// Description:
//
//	Materialization and lock failures are returned synchronously with the
//	identity-key and cause attached (*session.OpenError). Under the
//	read-only lock policy a document whose lock is held elsewhere opens
//	with outcome CreatedReadOnly and a nil error. After Shutdown it fails
//	with ErrServiceShutdown and registers nothing.
func (s *Service) OpenDocument(ctx context.Context, id identity.Identity) (*session.Document, session.Outcome, error) {
	done, err := s.beginOpen()
	if err != nil {
		return nil, session.InvalidIdentity, err
	}
	defer done()
	return s.registry.Open(ctx, id.Normalize())
}

// CloseDocument releases and deregisters the document for key through the
// close handler. Closing a key that is not open returns NotOpen.
func (s *Service) CloseDocument(ctx context.Context, key string) session.CloseOutcome {
	doc, ok := s.registry.Get(key)
	if !ok {
		return session.NotOpen
	}
	return s.registry.CloseHandler().OnClosed(ctx, doc)
}

// MarkDirty records an unsaved edit to key.
func (s *Service) MarkDirty(key string) error {
	return s.registry.MarkDirty(key)
}

// MarkSaved clears the dirty flag of key without uploading.
func (s *Service) MarkSaved(key string) error {
	return s.registry.MarkSaved(key)
}

// SaveDocument uploads the local cache of key and marks it saved.
func (s *Service) SaveDocument(ctx context.Context, key string) error {
	return s.registry.Save(ctx, key)
}

// Focus makes key the active document.
func (s *Service) Focus(key string) error {
	return s.registry.Focus(key)
}

// Active returns the active document.
func (s *Service) Active() (*session.Document, bool) {
	return s.registry.Active()
}

// Document returns the document open for key.
func (s *Service) Document(key string) (*session.Document, bool) {
	return s.registry.Get(key)
}

// Documents returns snapshots of all open documents sorted by key.
func (s *Service) Documents() []session.Info {
	docs := s.registry.Documents()
	out := make([]session.Info, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Info())
	}
	return out
}

// HeldLocks returns the locks this service holds.
func (s *Service) HeldLocks() []lock.HeldLock {
	return s.locks.Held()
}

// =============================================================================
// COMPILE
// =============================================================================

// CompileCommands returns the ordered compile commands available for key.
// Only commands whose templates fit the document's class are offered.
//
// Outputs:
//
//	[]string - Command names. Empty means compile is disabled for the
//	           document; that is not an error.
//	error - session.ErrNotOpen when key is not open.
func (s *Service) CompileCommands(key string) ([]string, error) {
	doc, ok := s.registry.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotOpen, key)
	}
	return s.commands.CommandsFor(doc.Identity()), nil
}

// DefaultCompileCommand returns the command SubmitCompile uses for key
// when none is named. It fails with config.ErrConfigurationMissing when
// compile is disabled for the document.
func (s *Service) DefaultCompileCommand(key string) (string, error) {
	doc, ok := s.registry.Get(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", session.ErrNotOpen, key)
	}
	return s.commands.DefaultCommand(doc.Identity())
}

// SubmitCompile queues a compile of key and returns without waiting for it.
//
// Description:
//
//	An empty command selects the document's default command. The result
//	is delivered as a TypeCompileResult event and through the returned
//	handle; compile failures are never returned here. Jobs for one key run
//	strictly one after another.
//
// Inputs:
//
//	ctx - Links the job's span to the caller's trace. Not used for
//	      cancellation.
//	key - Identity-key of an open document.
//	command - Command name, or "" for the default.
//
// Outputs:
//
//	*compile.Handle - Tracks the queued job.
//	error - session.ErrNotOpen, config.ErrConfigurationMissing when the
//	        document has no compile commands, config.ErrUnknownCommand
//	        when command is not offered for the document, or
//	        ErrServiceShutdown.
func (s *Service) SubmitCompile(ctx context.Context, key, command string) (*compile.Handle, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}

	var handle *compile.Handle
	err := s.registry.WithDocument(key, func(doc *session.Document) error {
		id := doc.Identity()
		cmds := s.commands.CommandsFor(id)
		if len(cmds) == 0 {
			return fmt.Errorf("%w: %s", config.ErrConfigurationMissing, key)
		}

		if command == "" {
			def, err := s.commands.DefaultCommand(id)
			if err != nil {
				return err
			}
			command = def
		} else if !containsString(cmds, command) {
			return fmt.Errorf("%w: %q is not offered for %s", config.ErrUnknownCommand, command, key)
		}

		handle = s.dispatcher.Submit(ctx, id, command)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitter.Emit(events.TypeCompileQueued, key, events.CompileQueuedData{
		JobID:    handle.ID(),
		Command:  command,
		Position: handle.Position(),
	})
	return handle, nil
}

// =============================================================================
// EVENTS
// =============================================================================

// Subscribe registers handler for events of the given types (all if none).
// It returns the subscription ID.
func (s *Service) Subscribe(handler events.Handler, types ...events.Type) string {
	return s.emitter.Subscribe(handler, types...)
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(id string) bool {
	return s.emitter.Unsubscribe(id)
}

// Events returns the buffered recent events for key, oldest first.
func (s *Service) Events(key string) []events.Event {
	return s.emitter.RecentForKey(key)
}

// Emitter returns the service's event emitter.
func (s *Service) Emitter() *events.Emitter {
	return s.emitter
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// Shutdown closes every open document, then waits for outstanding compiles.
//
// Description:
//
//	New opens and compiles are rejected with ErrServiceShutdown from the
//	moment Shutdown starts. Opens already under way are waited for, so the
//	documents they register are closed with the rest. Documents are closed
//	in parallel, so each releases its lock. If ctx ends before the opens or
//	compiles finish, compile runners are canceled and ctx's error is
//	returned. Shutdown is idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.waitForOpens(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for opens: %w", err))
	}

	docs := s.registry.Documents()
	s.logger.Info("Shutting down", "open_documents", len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownParallelism)
	for _, doc := range docs {
		g.Go(func() error {
			s.registry.CloseHandler().OnClosed(gctx, doc)
			return nil
		})
	}
	_ = g.Wait()

	// Only opens that outlived ctx can still hold locks here.
	s.locks.ReleaseAll(ctx)

	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for compiles: %w", err))
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.cancel()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("Shutdown complete")
	return nil
}

// beginOpen registers an open with Shutdown. The returned func must be
// called when the open returns.
func (s *Service) beginOpen() (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrServiceShutdown
	}
	s.opening.Add(1)
	return s.opening.Done, nil
}

// waitForOpens blocks until every open registered by beginOpen returns, or
// ctx ends.
func (s *Service) waitForOpens(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.opening.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown stopped waiting for opens", "error", ctx.Err())
		return ctx.Err()
	}
}

func (s *Service) checkRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrServiceShutdown
	}
	return nil
}

// =============================================================================
// EVENT BRIDGES
// =============================================================================

func (s *Service) onLockResult(res lock.Result) {
	data := events.LockResultData{Status: res.Status.String()}
	if res.Holder != nil {
		data.HolderSession = res.Holder.SessionID
		data.HolderHost = res.Holder.Host
		data.HolderPID = res.Holder.PID
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	s.emitter.Emit(events.TypeLockResult, res.Key, data)
}

func (s *Service) onCompileResult(res compile.Result) {
	data := events.CompileResultData{
		JobID:      res.JobID,
		Command:    res.Command,
		Status:     res.Status.String(),
		DurationMs: res.Duration.Milliseconds(),
	}
	for _, d := range res.Diagnostics {
		data.Diagnostics = append(data.Diagnostics, events.DiagnosticData{
			Severity: string(d.Severity),
			ID:       d.ID,
			Line:     d.Line,
			Message:  d.Message,
		})
	}
	if res.Err != nil {
		data.Error = res.Err.Error()
	}
	s.emitter.Emit(events.TypeCompileResult, res.Key, data)
}

func (s *Service) onExternalChange(c watch.Change) {
	s.emitter.Emit(events.TypeExternalChange, c.Key, events.ExternalChangeData{
		LocalPath: c.Path,
		Op:        string(c.Op),
	})
}

func (s *Service) onOpened(doc *session.Document, outcome session.Outcome) {
	if s.watcher != nil && doc.LocalPath() != "" {
		if err := s.watcher.Watch(doc.Key(), doc.LocalPath()); err != nil {
			s.logger.Warn("Watching local cache failed",
				"identity_key", doc.Key(),
				"local_path", doc.LocalPath(),
				"error", err)
		}
	}
	s.emitter.Emit(events.TypeDocumentOpened, doc.Key(), events.DocumentOpenedData{
		DisplayName: doc.Identity().DisplayName(),
		LocalPath:   doc.LocalPath(),
		Language:    doc.Language().String(),
		LockHeld:    doc.LockHeld(),
		ReadOnly:    doc.ReadOnly(),
		FromCache:   doc.FromCache(),
	})
}

func (s *Service) onClosed(doc *session.Document, lockReleased bool) {
	if n := s.dispatcher.Detach(doc.Key()); n > 0 {
		s.logger.Info("Compile results will be discarded",
			"identity_key", doc.Key(),
			"jobs", n)
	}
	if s.watcher != nil && doc.LocalPath() != "" {
		s.watcher.Unwatch(doc.LocalPath())
	}
	s.emitter.Emit(events.TypeDocumentClosed, doc.Key(), events.DocumentClosedData{
		LockReleased: lockReleased,
		WasDirty:     doc.Dirty(),
	})
}

func (s *Service) onDirtyChanged(doc *session.Document, dirty bool) {
	s.emitter.Emit(events.TypeDirtyChanged, doc.Key(), events.DirtyChangedData{Dirty: dirty})
}

func (s *Service) onSaved(doc *session.Document) {
	s.emitter.Emit(events.TypeDocumentSaved, doc.Key(), events.DirtyChangedData{Dirty: false})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
