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
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "srcsession_events_emitted_total",
		Help: "Events emitted by type",
	}, []string{"type"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srcsession_events_dropped_total",
		Help: "Events dropped because a channel subscriber was full",
	})

	handlerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "srcsession_event_handler_panics_total",
		Help: "Event handler panics recovered by the emitter",
	})
)

// Handler is a function that processes events.
type Handler func(event *Event)

// Filter is a function that determines if an event should be handled.
type Filter func(event *Event) bool

// Subscription represents a subscription to events.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	// Handler processes matching events.
	Handler Handler

	// Filter determines which events to handle (nil = all events).
	Filter Filter

	// Types limits which event types to handle (nil = all types).
	Types []Type
}

// Emitter broadcasts events to subscribers and keeps a bounded history.
//
// Description:
//
//	Handlers run synchronously on the goroutine that emits, which for
//	compile results is a dispatcher worker. Handlers that need to do real
//	work should hand off, or subscribe through Channel instead.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	logger        *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets how many recent events are retained.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		logger:        slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}
	if e.bufferSize < 0 {
		e.bufferSize = 0
	}

	e.buffer = make([]Event, 0, e.bufferSize)

	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeKey registers a handler for the events of one identity-key.
func (e *Emitter) SubscribeKey(key string, handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, func(ev *Event) bool { return ev.Key == key }, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
//
// Inputs:
//
//	handler - Function to call for matching events.
//	filter - Custom filter function (nil = no filter).
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
	}

	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Channel subscribes a buffered channel to events.
//
// Description:
//
//	Events are delivered without blocking the emitter; when the channel is
//	full the event is dropped and counted. The subscription is removed and
//	the channel closed when ctx is done.
//
// Inputs:
//
//	ctx - Lifetime of the subscription.
//	buffer - Channel capacity. Values below 1 are raised to 1.
//	filter - Custom filter function (nil = no filter).
//	types - Event types to subscribe to (nil = all types).
//
// Outputs:
//
//	<-chan Event - Receives matching events until ctx is done.
func (e *Emitter) Channel(ctx context.Context, buffer int, filter Filter, types ...Type) <-chan Event {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	// closeMu orders the close after any in-flight send from Emit.
	var closeMu sync.Mutex
	closed := false

	id := e.SubscribeWithFilter(func(ev *Event) {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- *ev:
		default:
			eventsDropped.Inc()
		}
	}, filter, types...)

	go func() {
		<-ctx.Done()
		e.Unsubscribe(id)
		closeMu.Lock()
		closed = true
		close(ch)
		closeMu.Unlock()
	}()

	return ch
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	Creates an event for key with the specified type and data, buffers it,
//	then broadcasts it to all matching subscribers. Handler panics are
//	recovered so one failing handler cannot starve the others.
//
// Inputs:
//
//	eventType - The type of event.
//	key - Identity-key of the document the event concerns.
//	data - Event-specific data (use typed data structs from types.go).
//
// Outputs:
//
//	Event - The event as delivered.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) Emit(eventType Type, key string, data any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Key:       key,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}

	e.mu.Lock()
	if e.bufferSize > 0 {
		if len(e.buffer) >= e.bufferSize {
			e.buffer = e.buffer[1:]
		}
		e.buffer = append(e.buffer, event)
	}
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	eventsEmitted.WithLabelValues(string(eventType)).Inc()

	for _, sub := range subs {
		if shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.Handler, &event)
		}
	}
	return event
}

// safeInvokeHandler invokes a handler with panic recovery.
func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			handlerPanics.Inc()
			e.logger.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"identity_key", event.Key,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// shouldHandle determines if a subscription should handle an event.
func shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 && !slices.Contains(sub.Types, event.Type) {
		return false
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// Recent returns a copy of buffered events, oldest first.
func (e *Emitter) Recent() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	events := make([]Event, len(e.buffer))
	copy(events, e.buffer)
	return events
}

// RecentForKey returns buffered events for one identity-key, oldest first.
func (e *Emitter) RecentForKey(key string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Key == key {
			events = append(events, event)
		}
	}
	return events
}

// RecentByType returns buffered events of a specific type.
func (e *Emitter) RecentByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var events []Event
	for _, event := range e.buffer {
		if event.Type == eventType {
			events = append(events, event)
		}
	}
	return events
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset clears all subscriptions and the buffer.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*Subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
}
