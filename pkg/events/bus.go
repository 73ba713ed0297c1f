// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the synchronous notification bus that carries
// conversation lifecycle signals from the chat manager to interested
// surfaces (renderers, prompt loops, persistence hooks).
package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event names published by the chat manager.
const (
	// EventMessage fires after a message record is appended to the active
	// conversation. Payload: the appended record.
	EventMessage = "message"

	// EventInProgress fires when a send begins (true) and when it
	// finishes (false), success or failure. Payload: bool.
	EventInProgress = "in_progress"

	// EventActiveConversation fires when the active conversation changes,
	// including creation of a temporary conversation. It does NOT fire on
	// promotion: the conversation is the same, only its id changed.
	// Payload: the conversation id string.
	EventActiveConversation = "active_conversation"

	// EventInitLimitation fires once during initialization when the
	// backend reports a degraded capability. Payload: a description string.
	EventInitLimitation = "init_limitation"
)

// Handler receives a published event payload.
type Handler func(payload any)

// Bus is a synchronous publish/subscribe registry.
//
// # Description
//
// Notify invokes handlers inline on the publishing goroutine, in
// subscription order per event name. That makes delivery order equal to
// publish order, which the chat manager relies on for its lifecycle
// sequence (in_progress before message, message before the trailing
// in_progress=false).
//
// # Limitations
//
//   - Handlers must not block; they run on the manager's send path.
//   - A handler that subscribes or unsubscribes from inside Notify sees
//     the change take effect on the next Notify, not the current one.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]subscription
}

type subscription struct {
	token   string
	handler Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers a handler for the named event and returns an
// unsubscribe function. Calling the returned function more than once is
// harmless.
func (b *Bus) Subscribe(name string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	token := uuid.NewString()
	b.mu.Lock()
	b.subs[name] = append(b.subs[name], subscription{token: token, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.token == token {
				b.subs[name] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Notify publishes payload to every handler subscribed to name, in
// subscription order. A panicking handler is recovered and logged so one
// bad subscriber cannot break delivery to the rest or unwind the
// publisher.
func (b *Bus) Notify(name string, payload any) {
	b.mu.Lock()
	list := make([]subscription, len(b.subs[name]))
	copy(list, b.subs[name])
	b.mu.Unlock()

	for _, s := range list {
		invoke(name, s.handler, payload)
	}
}

func invoke(name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("event handler panicked", "event", name, "panic", r)
		}
	}()
	h(payload)
}
