// Feedbridge - External Record Store Integration and Sync Engine
// Copyright 2026 Feedbridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/feedbridge/feedbridge

// Package webhook routes events to registered handlers.
//
// Two kinds of traffic flow through a Dispatcher: the engine's own typed
// lifecycle events (sync started/completed/failed, request succeeded/failed)
// and inbound push notifications forwarded by the host from the remote
// source's webhook surface. Both use the same registry; the typed kinds are
// a closed set, inbound event names are whatever the remote sends.
package webhook

import (
	"sync"
	"time"

	"github.com/feedbridge/feedbridge/internal/logging"
)

// Kind enumerates the engine's own event kinds. Inbound webhook events use
// their remote-assigned names and do not extend this set.
type Kind string

const (
	KindSyncStarted      Kind = "sync.started"
	KindSyncCompleted    Kind = "sync.completed"
	KindSyncFailed       Kind = "sync.failed"
	KindRequestSucceeded Kind = "request.succeeded"
	KindRequestFailed    Kind = "request.failed"
	KindRecordReceived   Kind = "record.received"
)

// Event is one dispatched notification.
type Event struct {
	// Name is the event name: a Kind for engine events, the remote's
	// event name for inbound webhooks.
	Name string

	// Integration identifies the originating integration instance.
	Integration string

	// Payload is the event body. Engine events carry typed structs
	// (e.g. SyncSummary); inbound webhooks carry the raw payload.
	Payload interface{}

	// At is when the event was dispatched.
	At time.Time
}

// SyncSummary is the payload of sync.completed and sync.failed events.
type SyncSummary struct {
	Processed int
	Failed    int
	Total     int
	Duration  time.Duration
}

// RequestOutcome is the payload of request.succeeded / request.failed.
type RequestOutcome struct {
	Method   string
	Endpoint string
	Err      string // empty on success
}

// Handler consumes a dispatched event.
type Handler func(Event)

// Dispatcher maps event names to handler registrations. Registrations grow
// via Register and never auto-expire; the registry lives for the lifetime
// of its owning integration instance.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]Handler),
	}
}

// Register appends a handler for the given event name. Handlers for one
// name run in registration order.
func (d *Dispatcher) Register(name string, h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], h)
}

// RegisterKind appends a handler for a typed engine event kind.
func (d *Dispatcher) RegisterKind(kind Kind, h Handler) {
	d.Register(string(kind), h)
}

// Dispatch invokes every handler registered for the event's name,
// synchronously and in registration order. A panicking handler is
// recovered and logged; siblings still run and the dispatcher survives.
// Returns the number of handlers invoked.
func (d *Dispatcher) Dispatch(evt Event) int {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers[evt.Name]))
	copy(handlers, d.handlers[evt.Name])
	d.mu.RUnlock()

	for i, h := range handlers {
		d.invoke(evt, i, h)
	}
	return len(handlers)
}

// DispatchKind dispatches a typed engine event.
func (d *Dispatcher) DispatchKind(kind Kind, integration string, payload interface{}) int {
	return d.Dispatch(Event{
		Name:        string(kind),
		Integration: integration,
		Payload:     payload,
	})
}

// HandlerCount returns the number of handlers registered for a name.
func (d *Dispatcher) HandlerCount(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[name])
}

// invoke runs one handler with panic isolation.
func (d *Dispatcher) invoke(evt Event, index int, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Str("event", evt.Name).
				Str("integration", evt.Integration).
				Int("handler_index", index).
				Interface("panic", r).
				Msg("Webhook handler panicked")
		}
	}()

	h(evt)
}
