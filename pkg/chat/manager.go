// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

var tracer = otel.Tracer("aleutian.chat")

// Manager orchestrates one conversation turn end to end.
//
// # Description
//
// Manager owns the send lifecycle: validate, reject concurrent sends,
// place the user message, drive the transport (streaming or not),
// reconcile the terminal result into the store, and publish lifecycle
// events on the bus. One Manager serves one conversation surface (a CLI
// session, a widget); sends are serialized by an in-flight flag, not
// queued.
//
// # Inputs
//
// Construct with NewManager: a Transport, a Store, and an events.Bus.
// All three are required.
//
// # Outputs
//
// Events published per send, in order:
//  1. in_progress(true)
//  2. active_conversation(id) — only when this send created the
//     temporary conversation, never on promotion
//  3. message(user record)
//  4. message(bot record)
//  5. in_progress(false) — always, on every exit path
//
// # Limitations
//
//   - One send at a time; concurrent callers get ErrBusy immediately.
//   - The in-flight flag lives in this process. Two Managers over one
//     backend conversation can interleave sends.
type Manager struct {
	transport Transport
	store     *Store
	bus       *events.Bus

	mu          sync.Mutex
	inFlight    bool
	initialized bool
	limitation  string
}

// NewManager wires a manager over its collaborators.
func NewManager(transport Transport, store *Store, bus *events.Bus) *Manager {
	return &Manager{transport: transport, store: store, bus: bus}
}

// Initialize readies the manager for sends.
//
// Transports implementing Initializer are probed; a reported limitation
// is published once as init_limitation and kept for Limitation(). A probe
// failure leaves the manager uninitialized.
func (m *Manager) Initialize(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Manager.Initialize")
	defer span.End()

	if init, ok := m.transport.(Initializer); ok {
		limitation, err := init.Initialize(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transport probe failed")
			return err
		}
		if limitation != "" {
			m.mu.Lock()
			m.limitation = limitation
			m.mu.Unlock()
			slog.Warn("backend reports limited capability", "limitation", limitation)
			m.bus.Notify(events.EventInitLimitation, limitation)
		}
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

// Limitation returns the capability limitation reported at
// initialization, or "".
func (m *Manager) Limitation() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limitation
}

// InProgress reports whether a send is currently in flight.
func (m *Manager) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight
}

// ActiveConversationID returns the store's active conversation id.
func (m *Manager) ActiveConversationID() string {
	return m.store.ActiveID()
}

// ActiveMessages returns a copy of the active transcript.
func (m *Manager) ActiveMessages() []MessageRecord {
	return m.store.ActiveMessages()
}

// IsTemporaryConversation reports whether the active conversation still
// carries the local sentinel id.
func (m *Manager) IsTemporaryConversation() bool {
	return m.store.IsTemporary()
}

// NewConversation leaves the current conversation so the next send
// starts a fresh temporary one. Rejected while a send is in flight.
func (m *Manager) NewConversation() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight {
		return ErrBusy
	}
	m.store.Deactivate()
	return nil
}

// SendMessage runs one full turn.
//
// Precondition failures (validation, not initialized, busy, locked)
// return before any event fires or any transcript change happens. Once
// the user message is placed, the turn always finalizes: exactly one bot
// message is appended whatever the outcome, and in_progress(false) is
// always the last event.
//
// Failure outcomes after the user message is placed:
//   - in-band backend error: the bot message carries the backend's error
//     text and the *streaming.StreamError is returned;
//   - context cancellation: the bot message is empty and an *AbortError
//     is returned;
//   - transport failure: the bot message carries the failure text and
//     the error is returned.
func (m *Manager) SendMessage(ctx context.Context, opts SendOptions) (*MessageResult, error) {
	ctx, span := tracer.Start(ctx, "Manager.SendMessage")
	defer span.End()

	if err := chatValidate.Struct(&opts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid options")
		return nil, &ValidationError{Cause: err}
	}

	if err := m.acquire(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer func() {
		m.release()
		m.bus.Notify(events.EventInProgress, false)
	}()

	m.bus.Notify(events.EventInProgress, true)

	conversationID, created := m.store.EnsureActive()
	if created {
		m.bus.Notify(events.EventActiveConversation, conversationID)
	}
	span.SetAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.Bool("chat.stream", opts.Stream),
	)

	m.appendMessage(conversationID, MessageRecord{
		Id:     uuid.NewString(),
		Role:   RoleUser,
		Answer: opts.Message,
		Date:   time.Now(),
	})

	req := Request{
		Message:        opts.Message,
		ConversationID: conversationID,
		History:        m.store.ActiveMessages(),
		Headers:        opts.Headers,
	}
	if opts.Hooks.BeforeSend != nil {
		if err := opts.Hooks.BeforeSend(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "before-send hook rejected")
			m.appendMessage(conversationID, botMessage("", streaming.Attributes{}))
			if opts.Hooks.OnError != nil {
				opts.Hooks.OnError(err)
			}
			return nil, err
		}
	}

	if opts.Hooks.OnStart != nil {
		opts.Hooks.OnStart(conversationID)
	}

	result, err := m.dispatch(ctx, req, opts)
	if err != nil {
		span.RecordError(err)

		var streamErr *streaming.StreamError
		switch {
		case errors.As(err, &streamErr) && result != nil:
			// The failed turn stays in the transcript with the backend's
			// error text as the answer, then the error is re-raised.
			span.SetStatus(codes.Error, "backend stream error")
			m.reconcile(conversationID, result)
			if opts.Hooks.OnError != nil {
				opts.Hooks.OnError(streamErr)
			}
			return nil, streamErr

		case ctx.Err() != nil:
			span.SetStatus(codes.Error, "send aborted")
			m.appendMessage(conversationID, botMessage("", streaming.Attributes{}))
			if opts.Hooks.OnAbort != nil {
				opts.Hooks.OnAbort()
			}
			return nil, &AbortError{Cause: ctx.Err()}

		default:
			span.SetStatus(codes.Error, "transport failure")
			m.appendMessage(conversationID, botMessage(err.Error(), streaming.Attributes{}))
			if opts.Hooks.OnError != nil {
				opts.Hooks.OnError(err)
			}
			return nil, err
		}
	}

	final := m.reconcile(conversationID, result)
	return final, nil
}

// dispatch runs the transport leg and returns the aggregated terminal
// result. For streaming sends a partial result may accompany a
// *streaming.StreamError.
func (m *Manager) dispatch(ctx context.Context, req Request, opts SendOptions) (*streaming.Result, error) {
	if !opts.Stream {
		resp, err := m.transport.Send(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.Result, nil
	}

	handle, err := m.transport.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	agg := streaming.NewAggregator(opts.OnProgress)
	return agg.Run(ctx, handle.Body, handle.Format, handle.Mapper)
}

// reconcile folds the terminal result into the store: promote a
// temporary conversation when the backend named it, then append the bot
// message.
func (m *Manager) reconcile(conversationID string, result *streaming.Result) *MessageResult {
	if m.store.PromoteTemporary(result.ConversationID) {
		conversationID = result.ConversationID
		slog.Debug("temporary conversation promoted", "conversation_id", conversationID)
	}

	messageID := result.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	bot := botMessage(result.Answer, result.Attributes)
	bot.Id = messageID
	m.appendMessage(conversationID, bot)

	return &MessageResult{
		MessageID:      messageID,
		ConversationID: m.store.ActiveID(),
		Answer:         result.Answer,
		Attributes:     result.Attributes,
	}
}

// appendMessage stores the record and publishes it. Append only fails on
// an unknown conversation id, which the send path has already ensured.
func (m *Manager) appendMessage(conversationID string, msg MessageRecord) {
	if err := m.store.Append(conversationID, msg); err != nil {
		slog.Error("transcript append failed", "error", err)
		return
	}
	m.bus.Notify(events.EventMessage, msg)
}

// acquire checks send preconditions and claims the in-flight flag
// atomically, so two racing sends can never both pass the busy check.
func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	if m.inFlight {
		return ErrBusy
	}
	if m.store.ActiveLocked() {
		return ErrConversationLocked
	}
	m.inFlight = true
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

func botMessage(answer string, attrs streaming.Attributes) MessageRecord {
	return MessageRecord{
		Id:         uuid.NewString(),
		Role:       RoleBot,
		Answer:     answer,
		Attributes: attrs,
		Date:       time.Now(),
	}
}
