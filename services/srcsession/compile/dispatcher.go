// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compile runs remote builds for open documents without blocking
// the caller.
//
// Jobs for one identity-key run strictly one after another, in submission
// order. Jobs for different keys run concurrently, bounded by a global slot
// count and an optional rate limit on runner invocations. Results are
// delivered to result handlers, never returned from Submit.
package compile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/srcsession/services/srcsession/identity"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config bounds how hard the dispatcher drives the remote host.
type Config struct {
	// MaxConcurrent is the number of jobs that may run at once across all
	// keys. Values below 1 use DefaultMaxConcurrent.
	MaxConcurrent int64

	// RatePerSecond limits how often the runner is started. Zero or
	// negative means unlimited.
	RatePerSecond float64

	// Burst is the limiter burst size. Values below 1 are raised to 1.
	Burst int
}

// DefaultMaxConcurrent is used when Config.MaxConcurrent is unset.
const DefaultMaxConcurrent = 4

// DefaultConfig returns an unthrottled configuration with
// DefaultMaxConcurrent slots.
func DefaultConfig() Config {
	return Config{MaxConcurrent: DefaultMaxConcurrent, Burst: 1}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResultHandler registers fn to receive every result that is not
// discarded. fn runs on the worker goroutine of the job's key; the next job
// for that key starts only after fn returns.
func WithResultHandler(fn func(Result)) Option {
	return func(d *Dispatcher) {
		d.handlers = append(d.handlers, fn)
	}
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// =============================================================================
// HANDLE
// =============================================================================

// Handle tracks one submitted job.
//
// Thread Safety: Safe for concurrent use.
type Handle struct {
	job      Job
	position int
	link     trace.Link

	detached atomic.Bool
	done     chan struct{}
	result   Result
}

func newHandle(job Job, link trace.Link) *Handle {
	return &Handle{job: job, link: link, done: make(chan struct{})}
}

// ID returns the job ID.
func (h *Handle) ID() string { return h.job.ID }

// Job returns the submitted job.
func (h *Handle) Job() Job { return h.job }

// Position is the number of jobs for the same key that were queued or
// running when this one was submitted.
func (h *Handle) Position() int { return h.position }

// Done is closed once the result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the result and true once the job has finished.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// =============================================================================
// DISPATCHER
// =============================================================================

// keyQueue holds the jobs of one identity-key. It exists in the dispatcher
// map exactly while a worker goroutine is draining it.
type keyQueue struct {
	pending []*Handle
	current *Handle
}

// Dispatcher runs compile jobs on background goroutines.
//
// # Description
//
// Each identity-key with outstanding jobs has one worker goroutine that
// drains its FIFO queue. A worker waits for the rate limiter and a global
// slot before invoking the runner, then delivers the result to every
// result handler before starting the next job for that key.
//
// Detach drops the association between a key's outstanding jobs and the
// result handlers. The jobs still run; their results are marked Discarded.
//
// # Thread Safety
//
// Safe for concurrent use.
type Dispatcher struct {
	runner   Runner
	slots    *semaphore.Weighted
	limiter  *rate.Limiter
	handlers []func(Result)
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
}

// NewDispatcher creates a dispatcher over runner.
func NewDispatcher(runner Runner, cfg Config, opts ...Option) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		runner:  runner,
		slots:   semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  slog.Default(),
		baseCtx: ctx,
		cancel:  cancel,
		queues:  make(map[string]*keyQueue),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "compile_dispatcher")
	return d
}

// Submit queues a compile of id with command and returns immediately.
//
// # Description
//
// The job runs on a background goroutine after every earlier job for the
// same identity-key has delivered its result. Submit never blocks on the
// runner and never reports compile failures; those arrive as a Result with
// StatusFailure. A dispatcher that is closed fails the job with
// ErrDispatcherClosed, also asynchronously.
//
// # Inputs
//
//   - ctx: Used only to link the job's span to the caller's trace. The job
//     does not inherit the caller's cancellation.
//   - id: The document identity.
//   - command: Resolved compile command name.
//
// # Outputs
//
//   - *Handle: Tracks the job.
func (d *Dispatcher) Submit(ctx context.Context, id identity.Identity, command string) *Handle {
	job := Job{
		ID:          uuid.NewString(),
		Identity:    id,
		Command:     command,
		SubmittedAt: time.Now(),
	}
	h := newHandle(job, trace.LinkFromContext(ctx))
	key := id.Key()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		go d.finish(h, failed(job, fmt.Errorf("%w: %w", ErrDispatchFailed, ErrDispatcherClosed)))
		return h
	}
	q, running := d.queues[key]
	if !running {
		q = &keyQueue{}
		d.queues[key] = q
		d.wg.Add(1)
	}
	h.position = len(q.pending)
	if q.current != nil {
		h.position++
	}
	q.pending = append(q.pending, h)
	d.mu.Unlock()

	recordQueued(ctx, 1)
	d.logger.Debug("Compile job queued",
		slog.String("identity_key", key),
		slog.String("job_id", job.ID),
		slog.String("command", command),
		slog.Int("position", h.position))

	if !running {
		go d.drain(key, q)
	}
	return h
}

// Detach marks every queued or running job for key as discarded.
//
// # Outputs
//
//   - int: Number of jobs affected.
func (d *Dispatcher) Detach(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[key]
	if !ok {
		return 0
	}
	n := 0
	if q.current != nil {
		q.current.detached.Store(true)
		n++
	}
	for _, h := range q.pending {
		h.detached.Store(true)
		n++
	}
	return n
}

// Outstanding returns the number of queued plus running jobs for key.
func (d *Dispatcher) Outstanding(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[key]
	if !ok {
		return 0
	}
	n := len(q.pending)
	if q.current != nil {
		n++
	}
	return n
}

// Close stops accepting jobs and waits for outstanding jobs to finish.
//
// # Description
//
// Jobs already submitted keep running. If ctx is done first, the runners'
// context is canceled and ctx.Err() is returned. Close is idempotent.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// drain runs the jobs of one key until its queue is empty.
func (d *Dispatcher) drain(key string, q *keyQueue) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		h := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.current = h
		d.mu.Unlock()

		recordQueued(d.baseCtx, -1)
		d.finish(h, d.run(h))

		d.mu.Lock()
		q.current = nil
		d.mu.Unlock()
	}
}

// run executes one job under the rate limiter and a global slot.
func (d *Dispatcher) run(h *Handle) Result {
	job := h.job
	key := job.Identity.Key()

	ctx, span := tracer.Start(d.baseCtx, "compile.Job",
		trace.WithLinks(h.link),
		trace.WithAttributes(
			attribute.String("srcsession.identity_key", key),
			attribute.String("srcsession.compile_command", job.Command),
			attribute.String("srcsession.job_id", job.ID),
		))
	defer span.End()

	if err := d.limiter.Wait(ctx); err != nil {
		return d.dispatchFailed(span, job, err, 0)
	}
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return d.dispatchFailed(span, job, err, 0)
	}
	defer d.slots.Release(1)

	recordRunning(ctx, 1)
	defer recordRunning(ctx, -1)

	start := time.Now()
	res, err := d.invoke(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		return d.dispatchFailed(span, job, err, elapsed)
	}

	res.JobID = job.ID
	res.Key = key
	res.Command = job.Command
	res.Duration = elapsed
	switch {
	case res.Status == "" && res.Err == nil:
		res.Status = StatusSuccess
	case res.Status == "":
		res.Status = StatusFailure
	}
	if res.Status == StatusFailure && res.Err == nil {
		res.Err = ErrCompileFailed
	}

	span.SetAttributes(
		attribute.String("srcsession.compile_status", res.Status.String()),
		attribute.Int("srcsession.diagnostics", len(res.Diagnostics)),
	)
	if res.Status == StatusFailure {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	d.logger.Info("Compile finished",
		slog.String("identity_key", key),
		slog.String("job_id", job.ID),
		slog.String("command", job.Command),
		slog.String("status", res.Status.String()),
		slog.Int("exit_code", res.ExitCode),
		slog.Int("diagnostics", len(res.Diagnostics)),
		slog.Duration("duration", elapsed))
	return res
}

// invoke calls the runner, converting a panic into ErrDispatchFailed.
func (d *Dispatcher) invoke(ctx context.Context, job Job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: runner panicked: %v", ErrDispatchFailed, r)
		}
	}()
	return d.runner.RunCompile(ctx, job.Identity, job.Command)
}

func (d *Dispatcher) dispatchFailed(span trace.Span, job Job, err error, elapsed time.Duration) Result {
	if !errors.Is(err, ErrDispatchFailed) {
		err = fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	d.logger.Error("Compile dispatch failed",
		slog.String("identity_key", job.Identity.Key()),
		slog.String("job_id", job.ID),
		slog.String("command", job.Command),
		slog.String("error", err.Error()))

	res := failed(job, err)
	res.Duration = elapsed
	return res
}

// finish records the result on the handle and delivers it.
func (d *Dispatcher) finish(h *Handle, res Result) {
	res.Discarded = h.detached.Load()
	if res.Discarded {
		d.logger.Debug("Compile result discarded; document closed",
			slog.String("identity_key", res.Key),
			slog.String("job_id", res.JobID))
	} else {
		for _, fn := range d.handlers {
			d.deliver(fn, res)
		}
	}
	recordFinished(d.baseCtx, res)

	h.result = res
	close(h.done)
}

func (d *Dispatcher) deliver(fn func(Result), res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Compile result handler panicked",
				slog.String("identity_key", res.Key),
				slog.String("job_id", res.JobID),
				slog.Any("panic", r))
		}
	}()
	fn(res)
}

func failed(job Job, err error) Result {
	return Result{
		JobID:    job.ID,
		Key:      job.Identity.Key(),
		Command:  job.Command,
		Status:   StatusFailure,
		ExitCode: -1,
		Err:      err,
	}
}
