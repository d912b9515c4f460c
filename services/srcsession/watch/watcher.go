// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch reports changes made to local cache files behind the
// session's back.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStopped is returned by Watch after Stop.
var ErrStopped = errors.New("watcher stopped")

// Op is the kind of change observed on a watched file.
type Op string

const (
	// OpWrite covers in-place writes and replacement by rename-over.
	OpWrite Op = "write"

	// OpRemove means the file was deleted.
	OpRemove Op = "remove"

	// OpRename means the file was moved away.
	OpRename Op = "rename"

	// OpChmod means only the file mode changed.
	OpChmod Op = "chmod"
)

// rank orders ops so a burst of events reports the most disruptive one.
func (op Op) rank() int {
	switch op {
	case OpRemove:
		return 3
	case OpRename:
		return 2
	case OpWrite:
		return 1
	default:
		return 0
	}
}

// Change is one debounced change to a watched file.
type Change struct {
	// Key is the identity-key the file was registered under.
	Key string

	// Path is the absolute path of the changed file.
	Path string

	Op   Op
	Time time.Time
}

// Handler is called once per debounced change. It may be called
// concurrently for different files.
type Handler func(Change)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long a file must be quiet before its change is
	// reported. Default: 200ms.
	Debounce time.Duration

	// Logger receives watch errors. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{Debounce: 200 * time.Millisecond}
}

type pendingChange struct {
	op    Op
	timer *time.Timer
}

// Watcher watches individual files by watching their parent directories.
//
// # Description
//
// Editors commonly save by writing a temporary file and renaming it over
// the original, which a watch on the file itself would lose. The watcher
// therefore adds each file's directory, reference-counted across files,
// and filters events by path.
//
// Bursts of events for one file are collapsed into a single Change after
// the debounce window, carrying the most disruptive op seen.
//
// # Thread Safety
//
// Safe for concurrent use.
type Watcher struct {
	fsw      *fsnotify.Watcher
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	files   map[string]string
	dirs    map[string]int
	pending map[string]*pendingChange
	stopped bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a watcher that reports to handler. Call Start to begin
// processing events.
func New(handler Handler, opts Options) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsw:      fsw,
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "cache_watcher"),
		files:    make(map[string]string),
		dirs:     make(map[string]int),
		pending:  make(map[string]*pendingChange),
		done:     make(chan struct{}),
	}, nil
}

// Start processes events until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.processEvents(ctx)
	}()
}

// Watch registers path under key. Registering a path again replaces its key.
func (w *Watcher) Watch(key, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrStopped
	}
	if _, ok := w.files[abs]; ok {
		w.files[abs] = key
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	w.dirs[dir]++
	w.files[abs] = key
	return nil
}

// Unwatch stops reporting changes for path. Unknown paths are ignored.
func (w *Watcher) Unwatch(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	abs = filepath.Clean(abs)
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[abs]; !ok {
		return
	}
	delete(w.files, abs)
	if p, ok := w.pending[abs]; ok {
		p.timer.Stop()
		delete(w.pending, abs)
	}

	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if !w.stopped {
			// The directory may already be gone.
			_ = w.fsw.Remove(dir)
		}
	}
}

// Watched returns the number of watched files.
func (w *Watcher) Watched() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.files)
}

// Stop stops the watcher and waits for the event loop to exit. Pending
// changes are dropped.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()

		close(w.done)
		if err := w.fsw.Close(); err != nil {
			w.logger.Debug("Closing fsnotify watcher", slog.String("error", err.Error()))
		}
		w.wg.Wait()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.observe(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Cache watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) observe(event fsnotify.Event) {
	op, ok := convertOp(event.Op)
	if !ok {
		return
	}
	path := filepath.Clean(event.Name)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if _, tracked := w.files[path]; !tracked {
		return
	}

	if p, ok := w.pending[path]; ok {
		if op.rank() > p.op.rank() {
			p.op = op
		}
		p.timer.Reset(w.debounce)
		return
	}
	w.pending[path] = &pendingChange{
		op:    op,
		timer: time.AfterFunc(w.debounce, func() { w.fire(path) }),
	}
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	key, tracked := w.files[path]
	stopped := w.stopped
	w.mu.Unlock()

	if !ok || !tracked || stopped || w.handler == nil {
		return
	}

	w.handler(Change{Key: key, Path: path, Op: p.op, Time: time.Now()})
}

// convertOp maps an fsnotify op to Op. Create counts as a write: a tracked
// file being created means it was replaced.
func convertOp(op fsnotify.Op) (Op, bool) {
	switch {
	case op.Has(fsnotify.Remove):
		return OpRemove, true
	case op.Has(fsnotify.Rename):
		return OpRename, true
	case op.Has(fsnotify.Write), op.Has(fsnotify.Create):
		return OpWrite, true
	case op.Has(fsnotify.Chmod):
		return OpChmod, true
	default:
		return "", false
	}
}
