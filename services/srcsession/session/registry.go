// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session implements the Session Registry and the Document Close
// Handler.
//
// The registry maps identity-keys to open documents. At most one document
// exists per key: a second Open returns the first document, so no identity
// ever has two lock holders or two local caches.
//
// # Concurrency
//
// Operations on one identity-key (Open, Close, Save) are serialized by a
// per-key mutex held across the gateway and lock calls. Operations on
// different keys run in parallel. The map itself is guarded by a separate
// mutex that is only held while a state transition is recorded, never
// across a gateway or lock call.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/lock"
	"github.com/AleutianAI/srcsession/services/srcsession/transfer"
)

// =============================================================================
// OUTCOMES AND POLICY
// =============================================================================

// Outcome is the result of Open.
type Outcome int

const (
	// Created means the document was materialized, locked and registered.
	Created Outcome = iota

	// CreatedReadOnly means the document was registered without its lock
	// under ReadOnlyOnLockFailure.
	CreatedReadOnly

	// AlreadyOpen means an existing document was returned unchanged.
	AlreadyOpen

	// MaterializeFailed means the artifact could not be cached locally.
	// Nothing was registered and no lock was attempted.
	MaterializeFailed

	// LockFailed means the lock could not be acquired under
	// AbortOnLockFailure. Nothing was registered.
	LockFailed

	// InvalidIdentity means the identity failed validation.
	InvalidIdentity
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case CreatedReadOnly:
		return "created_readonly"
	case AlreadyOpen:
		return "already_open"
	case MaterializeFailed:
		return "materialize_failed"
	case LockFailed:
		return "lock_failed"
	case InvalidIdentity:
		return "invalid_identity"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome name for JSON payloads.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Registered reports whether a document is registered after this outcome.
func (o Outcome) Registered() bool {
	return o == Created || o == CreatedReadOnly || o == AlreadyOpen
}

// CloseOutcome is the result of Close.
type CloseOutcome int

const (
	// Closed means a registered document was released and removed.
	Closed CloseOutcome = iota

	// NotOpen means nothing was registered for the key. Not an error.
	NotOpen
)

// String returns the close outcome name.
func (o CloseOutcome) String() string {
	switch o {
	case Closed:
		return "closed"
	case NotOpen:
		return "not_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the close outcome name for JSON payloads.
func (o CloseOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// LockPolicy decides what Open does when the artifact was materialized but
// its lock could not be acquired.
type LockPolicy int

const (
	// ReadOnlyOnLockFailure registers the document in OPEN_READONLY with
	// lock-held false.
	ReadOnlyOnLockFailure LockPolicy = iota

	// AbortOnLockFailure registers nothing and discards a cache file that
	// this Open downloaded.
	AbortOnLockFailure
)

// String returns the policy name as used in configuration.
func (p LockPolicy) String() string {
	if p == AbortOnLockFailure {
		return "abort"
	}
	return "read_only"
}

// ParseLockPolicy resolves a configuration value. Unknown values are an error.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch s {
	case "", "read_only", "readonly":
		return ReadOnlyOnLockFailure, nil
	case "abort":
		return AbortOnLockFailure, nil
	default:
		return ReadOnlyOnLockFailure, fmt.Errorf("%w: %q", ErrUnknownLockPolicy, s)
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Locker is the lock capability the registry needs. *lock.Coordinator
// implements it.
type Locker interface {
	Acquire(ctx context.Context, id identity.Identity) lock.Result
	Release(ctx context.Context, id identity.Identity)
}

// Hooks observe registry transitions. Hooks run synchronously after the
// transition was recorded. OnOpened, OnClosed and OnSaved run while the
// document's key is held and must not Open, Close or Save that key.
type Hooks struct {
	// OnOpened runs after a document is registered.
	OnOpened func(doc *Document, outcome Outcome)

	// OnClosed runs after a document is removed. lockReleased reports
	// whether Release was called for it.
	OnClosed func(doc *Document, lockReleased bool)

	// OnDirtyChanged runs when MarkDirty or MarkSaved flips the flag.
	OnDirtyChanged func(doc *Document, dirty bool)

	// OnSaved runs after Save uploaded the local cache.
	OnSaved func(doc *Document)

	// OnFocusChanged runs when the active document changes. doc is nil
	// when no document is active.
	OnFocusChanged func(doc *Document)
}

// Option configures a Registry.
type Option func(*Registry)

// WithLockPolicy sets the lock failure policy. Default: ReadOnlyOnLockFailure.
func WithLockPolicy(p LockPolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithHooks sets the transition hooks.
func WithHooks(h Hooks) Option {
	return func(r *Registry) {
		r.hooks = h
	}
}

// WithLogger sets the registry's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry tracks open documents by identity-key.
//
// # Thread Safety
//
// Safe for concurrent use. See the package documentation for the locking
// scheme.
type Registry struct {
	gateway transfer.Gateway
	locker  Locker
	policy  LockPolicy
	hooks   Hooks
	logger  *slog.Logger

	keys *keyLocks

	mu     sync.Mutex
	docs   map[string]*Document
	active string
}

// NewRegistry creates a registry that materializes through gateway and
// locks through locker.
func NewRegistry(gateway transfer.Gateway, locker Locker, opts ...Option) *Registry {
	r := &Registry{
		gateway: gateway,
		locker:  locker,
		policy:  ReadOnlyOnLockFailure,
		logger:  slog.Default(),
		keys:    newKeyLocks(),
		docs:    make(map[string]*Document),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "session_registry")
	return r
}

// Policy returns the configured lock failure policy.
func (r *Registry) Policy() LockPolicy {
	return r.policy
}

// Open returns the document for id, creating it if necessary.
//
// # Description
//
// If a document is registered for id's key it is returned unchanged with
// AlreadyOpen. Otherwise the artifact is materialized through the gateway
// and then locked; the document is registered only after both steps are
// settled. Identities whose local path is already bound to an existing
// file skip materialization. Local identities are only checked for
// existence and never locked.
//
// # Inputs
//
//   - ctx: Passed to the gateway and locker. No timeout is added.
//   - id: The artifact to open.
//
// # Outputs
//
//   - *Document: The registered document, or nil when nothing was
//     registered.
//   - Outcome: Created, CreatedReadOnly, AlreadyOpen, MaterializeFailed,
//     LockFailed or InvalidIdentity.
//   - error: *OpenError for MaterializeFailed, LockFailed and
//     InvalidIdentity; nil otherwise. A CreatedReadOnly document reports
//     its lock failure through LockFailure.
func (r *Registry) Open(ctx context.Context, id identity.Identity) (*Document, Outcome, error) {
	start := time.Now()
	key := id.Key()

	ctx, span := tracer.Start(ctx, "session.Open", trace.WithAttributes(
		attribute.String("srcsession.identity_key", key),
	))
	defer span.End()

	doc, outcome, err := r.open(ctx, span, id)

	span.SetAttributes(attribute.String("srcsession.open_outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	recordOpen(ctx, outcome, time.Since(start))
	return doc, outcome, err
}

func (r *Registry) open(ctx context.Context, span trace.Span, id identity.Identity) (*Document, Outcome, error) {
	key := id.Key()
	if err := identity.Validate(id); err != nil {
		return nil, InvalidIdentity, &OpenError{Key: key, Outcome: InvalidIdentity, Err: err}
	}

	unlock := r.keys.lock(key)
	defer unlock()

	if doc, ok := r.Get(key); ok {
		r.logger.Debug("Document already open", slog.String("identity_key", key))
		return doc, AlreadyOpen, nil
	}

	if !id.IsRemote() {
		return r.openLocal(id)
	}

	// MATERIALIZING
	span.AddEvent(StateMaterializing.String())
	bound, fromCache, err := r.materialize(ctx, id)
	if err != nil {
		r.logger.Warn("Materialize failed",
			slog.String("identity_key", key),
			slog.String("cause", transfer.CauseOf(err).String()),
			slog.String("error", err.Error()))
		return nil, MaterializeFailed, &OpenError{Key: key, Outcome: MaterializeFailed, Err: err}
	}

	// LOCK_PENDING
	span.AddEvent(StateLockPending.String())
	doc := newDocument(bound, fromCache)
	res := r.locker.Acquire(ctx, bound)

	outcome := Created
	switch {
	case res.OK():
		doc.state = StateOpen
		doc.lockHeld = true

	case r.policy == ReadOnlyOnLockFailure:
		doc.state = StateOpenReadOnly
		doc.lockFailure = lockErr(res)
		outcome = CreatedReadOnly
		r.logger.Warn("Lock not acquired; opening read-only",
			slog.String("identity_key", key),
			slog.String("lock_status", res.Status.String()),
			slog.String("error", doc.lockFailure.Error()))

	default:
		cause := lockErr(res)
		r.logger.Warn("Lock not acquired; open aborted",
			slog.String("identity_key", key),
			slog.String("lock_status", res.Status.String()),
			slog.String("error", cause.Error()))
		if !fromCache {
			r.discardCache(bound)
		}
		return nil, LockFailed, &OpenError{Key: key, Outcome: LockFailed, Err: cause}
	}

	r.register(doc)
	span.AddEvent(doc.state.String())
	r.logger.Info("Document opened",
		slog.String("identity_key", key),
		slog.String("local_path", bound.LocalPath()),
		slog.String("language", doc.lang.String()),
		slog.Bool("lock_held", doc.lockHeld),
		slog.Bool("from_cache", fromCache))

	if r.hooks.OnOpened != nil {
		r.hooks.OnOpened(doc, outcome)
	}
	return doc, outcome, nil
}

// materialize returns id with its local path bound. An already bound path
// that exists on disk is reused. When the bound path is missing and the
// gateway caches elsewhere, the download is removed and the open fails as
// not found.
func (r *Registry) materialize(ctx context.Context, id identity.Identity) (identity.Identity, bool, error) {
	stale := id.LocalPath()
	if stale != "" {
		if info, err := os.Stat(stale); err == nil && info.Mode().IsRegular() {
			return id, true, nil
		}
	}

	p, err := r.gateway.Materialize(ctx, id)
	if err != nil {
		return identity.Identity{}, false, err
	}
	bound, err := id.WithLocalPath(p)
	if err != nil {
		r.discardPath(id.Key(), p)
		return identity.Identity{}, false, &transfer.Error{
			Key: id.Key(),
			Op:  "materialize",
			Err: fmt.Errorf("%w: cache %s is gone and the gateway caches at %s: %w",
				transfer.ErrNotFound, stale, p, err),
		}
	}
	return bound, false, nil
}

func (r *Registry) openLocal(id identity.Identity) (*Document, Outcome, error) {
	key := id.Key()
	info, err := os.Stat(id.LocalPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = &transfer.Error{Key: key, Op: "open", Err: fmt.Errorf("%w: %v", transfer.ErrNotFound, err)}
	case errors.Is(err, fs.ErrPermission):
		err = &transfer.Error{Key: key, Op: "open", Err: fmt.Errorf("%w: %v", transfer.ErrPermissionDenied, err)}
	case err == nil && !info.Mode().IsRegular():
		err = &transfer.Error{Key: key, Op: "open", Err: fmt.Errorf("%w: %s is not a regular file", transfer.ErrNotFound, id.LocalPath())}
	}
	if err != nil {
		return nil, MaterializeFailed, &OpenError{Key: key, Outcome: MaterializeFailed, Err: err}
	}

	doc := newDocument(id, true)
	doc.state = StateOpen
	r.register(doc)
	r.logger.Info("Local document opened",
		slog.String("identity_key", key),
		slog.String("language", doc.lang.String()))

	if r.hooks.OnOpened != nil {
		r.hooks.OnOpened(doc, Created)
	}
	return doc, Created, nil
}

func (r *Registry) register(doc *Document) {
	r.mu.Lock()
	r.docs[doc.Key()] = doc
	r.mu.Unlock()
}

func (r *Registry) discardCache(id identity.Identity) {
	r.discardPath(id.Key(), id.LocalPath())
}

func (r *Registry) discardPath(key, p string) {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("Discarding local cache failed",
			slog.String("identity_key", key),
			slog.String("local_path", p),
			slog.String("error", err.Error()))
	}
}

func lockErr(res lock.Result) error {
	if res.Err != nil {
		return res.Err
	}
	return &lock.Error{Key: res.Key, Op: "acquire", Err: errors.New(res.Status.String())}
}

// Close releases and removes the document for key.
//
// Close is idempotent: a key with no registered document yields NotOpen.
// See CloseHandler for the release ordering.
func (r *Registry) Close(ctx context.Context, key string) CloseOutcome {
	unlock := r.keys.lock(key)
	defer unlock()

	doc, ok := r.Get(key)
	if !ok {
		recordClose(ctx, NotOpen)
		return NotOpen
	}
	return r.closeLocked(ctx, doc)
}

// closeLocked releases doc's lock, then removes doc from the map. Documents
// that are no longer registered are left alone. The caller holds the key,
// so registration cannot change in between.
func (r *Registry) closeLocked(ctx context.Context, doc *Document) CloseOutcome {
	key := doc.Key()

	if current, ok := r.Get(key); !ok || current != doc {
		recordClose(ctx, NotOpen)
		return NotOpen
	}

	ctx, span := tracer.Start(ctx, "session.Close", trace.WithAttributes(
		attribute.String("srcsession.identity_key", key),
	))
	defer span.End()

	released := false
	if doc.LockHeld() {
		r.locker.Release(ctx, doc.Identity())
		doc.setLockHeld(false)
		released = true
	}

	r.mu.Lock()
	delete(r.docs, key)
	focusCleared := r.active == key
	if focusCleared {
		r.active = ""
	}
	r.mu.Unlock()

	wasDirty := doc.Dirty()
	doc.setState(StateClosed)
	span.SetAttributes(attribute.Bool("srcsession.lock_released", released))
	r.logger.Info("Document closed",
		slog.String("identity_key", key),
		slog.Bool("lock_released", released),
		slog.Bool("discarded_edits", wasDirty))

	if r.hooks.OnClosed != nil {
		r.hooks.OnClosed(doc, released)
	}
	if focusCleared && r.hooks.OnFocusChanged != nil {
		r.hooks.OnFocusChanged(nil)
	}
	recordClose(ctx, Closed)
	return Closed
}

// MarkDirty records an unsaved edit. It performs no I/O.
func (r *Registry) MarkDirty(key string) error {
	return r.setDirty(key, true)
}

// MarkSaved clears the dirty flag. It performs no I/O.
func (r *Registry) MarkSaved(key string) error {
	return r.setDirty(key, false)
}

func (r *Registry) setDirty(key string, dirty bool) error {
	r.mu.Lock()
	doc, ok := r.docs[key]
	changed := ok && doc.setDirty(dirty)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	if changed && r.hooks.OnDirtyChanged != nil {
		r.hooks.OnDirtyChanged(doc, dirty)
	}
	return nil
}

// Save uploads the local cache of key and clears the dirty flag.
//
// # Description
//
// Read-only documents fail with ErrReadOnly and stay dirty. Local
// documents have nothing to upload and are only marked saved. A failed
// upload leaves the dirty flag set.
func (r *Registry) Save(ctx context.Context, key string) error {
	unlock := r.keys.lock(key)
	defer unlock()

	doc, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	if doc.ReadOnly() {
		return fmt.Errorf("%w: %s", ErrReadOnly, key)
	}

	if doc.Identity().IsRemote() {
		ctx, span := tracer.Start(ctx, "session.Save", trace.WithAttributes(
			attribute.String("srcsession.identity_key", key),
		))
		err := r.gateway.Upload(ctx, doc.Identity(), doc.LocalPath())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if err != nil {
			r.logger.Warn("Save failed",
				slog.String("identity_key", key),
				slog.String("cause", transfer.CauseOf(err).String()),
				slog.String("error", err.Error()))
			return err
		}
	}

	if err := r.setDirty(key, false); err != nil {
		return err
	}
	r.logger.Info("Document saved", slog.String("identity_key", key))
	if r.hooks.OnSaved != nil {
		r.hooks.OnSaved(doc)
	}
	return nil
}

// WithDocument runs fn with the document registered for key while the key
// is held, so fn never interleaves with Open, Close or Save of that key. fn
// must not block on the gateway or the locker.
func (r *Registry) WithDocument(key string, fn func(doc *Document) error) error {
	unlock := r.keys.lock(key)
	defer unlock()

	doc, ok := r.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	return fn(doc)
}

// Focus makes key the active document.
func (r *Registry) Focus(key string) error {
	r.mu.Lock()
	doc, ok := r.docs[key]
	changed := ok && r.active != key
	if changed {
		r.active = key
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, key)
	}
	if changed && r.hooks.OnFocusChanged != nil {
		r.hooks.OnFocusChanged(doc)
	}
	return nil
}

// Active returns the focused document.
func (r *Registry) Active() (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return nil, false
	}
	doc, ok := r.docs[r.active]
	return doc, ok
}

// Get returns the document registered for key.
func (r *Registry) Get(key string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[key]
	return doc, ok
}

// Documents returns the registered documents sorted by key.
func (r *Registry) Documents() []*Document {
	r.mu.Lock()
	out := make([]*Document, 0, len(r.docs))
	for _, doc := range r.docs {
		out = append(out, doc)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of registered documents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}
