// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock implements the Lock Coordinator: exclusive, per-identity
// locks on remote source artifacts.
//
// The remote host offers no locking primitive of its own that the core can
// rely on, so locks are expressed as exclusive markers through the Marker
// interface. Two implementations are provided: FileMarker (a directory of
// lock files shared by every process on the workstation or network share)
// and BadgerMarker (a persistent board owned by one daemon).
package lock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// Status is the outcome of a lock operation.
type Status int

const (
	Locked Status = iota
	AlreadyLockedByOther
	Failed
	Released
	ReleaseFailed
)

// String returns the status name used in logs, metrics and events.
func (s Status) String() string {
	switch s {
	case Locked:
		return "locked"
	case AlreadyLockedByOther:
		return "already_locked_by_other"
	case Failed:
		return "failed"
	case Released:
		return "released"
	case ReleaseFailed:
		return "release_failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name for JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result describes the outcome of Acquire, or of Release when delivered to
// an observer.
type Result struct {
	Key    string      `json:"key"`
	Status Status      `json:"status"`
	Holder *MarkerInfo `json:"holder,omitempty"`
	Err    error       `json:"-"`
}

// OK reports whether the lock is held after Acquire.
func (r Result) OK() bool {
	return r.Status == Locked
}

// HeldLock is a lock this coordinator holds.
type HeldLock struct {
	Identity identity.Identity
	Since    time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithObserver registers fn to receive every acquire and release result.
// fn runs synchronously on the calling goroutine and must not block.
func WithObserver(fn func(Result)) Option {
	return func(c *Coordinator) {
		c.observers = append(c.observers, fn)
	}
}

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// Coordinator acquires and releases exclusive locks per identity.
//
// # Description
//
// Locks are scoped to identity keys; two keys never contend. Acquiring a
// lock this coordinator already holds succeeds without touching the marker.
// Release never fails observably: local state always becomes unlocked, and a
// marker that cannot be cleared is logged as ErrLockReleaseFailed.
//
// # Thread Safety
//
// Safe for concurrent use. The internal mutex guards only the held set and
// is never held across Marker calls.
type Coordinator struct {
	marker    Marker
	observers []func(Result)
	logger    *slog.Logger

	mu   sync.Mutex
	held map[string]HeldLock
}

// NewCoordinator creates a coordinator over marker.
func NewCoordinator(marker Marker, opts ...Option) *Coordinator {
	c := &Coordinator{
		marker: marker,
		logger: slog.Default(),
		held:   make(map[string]HeldLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "lock_coordinator")
	return c
}

// Acquire takes the exclusive lock for id.
//
// # Inputs
//
//   - ctx: Passed to the marker. The coordinator adds no timeout.
//   - id: A remote identity.
//
// # Outputs
//
//   - Result: Locked, AlreadyLockedByOther (Holder set when the marker can
//     report it) or Failed. Err is nil only for Locked.
func (c *Coordinator) Acquire(ctx context.Context, id identity.Identity) Result {
	key := id.Key()
	if !id.IsRemote() {
		return c.notify(Result{Key: key, Status: Failed, Err: &Error{Key: key, Op: "acquire", Err: ErrNotRemote}})
	}

	c.mu.Lock()
	_, already := c.held[key]
	c.mu.Unlock()
	if already {
		return Result{Key: key, Status: Locked}
	}

	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("srcsession.identity_key", key),
	))
	defer span.End()
	start := time.Now()

	ok, err := c.marker.SetExclusiveMarker(ctx, id)

	var res Result
	switch {
	case err != nil:
		res = Result{Key: key, Status: Failed, Err: &Error{Key: key, Op: "acquire", Err: err}}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("Lock acquire failed",
			slog.String("identity_key", key),
			slog.String("error", err.Error()))

	case !ok:
		holder := c.inspect(ctx, key)
		res = Result{Key: key, Status: AlreadyLockedByOther, Holder: holder,
			Err: &Error{Key: key, Op: "acquire", Holder: holder, Err: ErrAlreadyLockedByOther}}
		c.logger.Info("Artifact locked by another session", slog.String("identity_key", key))

	default:
		c.mu.Lock()
		c.held[key] = HeldLock{Identity: id, Since: time.Now()}
		c.mu.Unlock()
		res = Result{Key: key, Status: Locked}
		c.logger.Debug("Lock acquired", slog.String("identity_key", key))
	}

	span.SetAttributes(attribute.String("srcsession.lock_status", res.Status.String()))
	recordAcquire(ctx, res.Status, time.Since(start))
	return c.notify(res)
}

// Release drops the lock for id.
//
// # Description
//
// The key is removed from the held set before the marker is cleared, so a
// failing marker never leaves the coordinator believing it still holds the
// lock. Releasing a key that is not held is a no-op and does not touch the
// marker.
func (c *Coordinator) Release(ctx context.Context, id identity.Identity) {
	key := id.Key()

	c.mu.Lock()
	held, ok := c.held[key]
	delete(c.held, key)
	c.mu.Unlock()
	if !ok {
		return
	}

	ctx, span := tracer.Start(ctx, "lock.Release", trace.WithAttributes(
		attribute.String("srcsession.identity_key", key),
	))
	defer span.End()

	cleared, err := c.marker.ClearExclusiveMarker(ctx, held.Identity)

	res := Result{Key: key, Status: Released}
	if err != nil || !cleared {
		cause := ErrLockReleaseFailed
		if err != nil {
			cause = errors.Join(ErrLockReleaseFailed, err)
			span.RecordError(err)
		}
		res = Result{Key: key, Status: ReleaseFailed, Err: &Error{Key: key, Op: "release", Err: cause}}
		c.logger.Warn("Lock release failed; local state unlocked",
			slog.String("identity_key", key),
			slog.Bool("marker_cleared", cleared),
			slog.Any("error", err))
	} else {
		c.logger.Debug("Lock released", slog.String("identity_key", key))
	}

	span.SetAttributes(attribute.String("srcsession.lock_status", res.Status.String()))
	recordRelease(ctx, res.Status)
	c.notify(res)
}

// ReleaseAll releases every held lock.
func (c *Coordinator) ReleaseAll(ctx context.Context) {
	for _, h := range c.Held() {
		c.Release(ctx, h.Identity)
	}
}

// IsHeld reports whether this coordinator holds the lock for key.
func (c *Coordinator) IsHeld(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[key]
	return ok
}

// Held returns the held locks sorted by key.
func (c *Coordinator) Held() []HeldLock {
	c.mu.Lock()
	out := make([]HeldLock, 0, len(c.held))
	for _, h := range c.held {
		out = append(out, h)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity.Key() < out[j].Identity.Key() })
	return out
}

func (c *Coordinator) inspect(ctx context.Context, key string) *MarkerInfo {
	insp, ok := c.marker.(Inspector)
	if !ok {
		return nil
	}
	info, err := insp.Inspect(ctx, key)
	if err != nil {
		return nil
	}
	return info
}

func (c *Coordinator) notify(res Result) Result {
	for _, fn := range c.observers {
		fn(res)
	}
	return res
}
