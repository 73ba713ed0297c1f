// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chat holds the conversation state core: message and conversation
// records, the in-memory store, and the Manager that turns one user prompt
// into one reconciled transcript turn.
package chat

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// Message roles. The transcript model is strictly two-party.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// MaxMessageContentBytes caps a single user message at 32KB.
// Byte length, not rune count, to bound memory regardless of encoding.
const MaxMessageContentBytes = 32 * 1024

// TempConversationID is the sentinel id assigned to a conversation created
// locally before the backend has named it. A send that completes against a
// temporary conversation promotes it to the backend-assigned id in place.
const TempConversationID = "temp_convo"

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate validates send options. Initialized in init() with the
// custom maxbytes rule.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the MaxMessageContentBytes cap on string
// fields. Checks byte length to prevent memory exhaustion with large
// payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Transcript Records
// =============================================================================

// MessageRecord is one transcript entry.
//
// Answer carries the text for both roles: the prompt for RoleUser, the
// aggregated answer for RoleBot. Attributes is only populated on bot
// messages.
type MessageRecord struct {
	Id         string               `json:"id"`
	Role       string               `json:"role"`
	Answer     string               `json:"answer"`
	Attributes streaming.Attributes `json:"attributes,omitempty"`
	Date       time.Time            `json:"date"`
}

// ConversationRecord is one conversation with its ordered transcript.
//
// A Locked conversation rejects new sends; the flag is set by callers
// that need to freeze a transcript (e.g. while exporting it).
type ConversationRecord struct {
	Id        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Locked    bool            `json:"locked"`
	CreatedAt time.Time       `json:"created_at"`
	Messages  []MessageRecord `json:"messages"`
}

// =============================================================================
// Send Options and Results
// =============================================================================

// Hooks are optional caller extension points on the send path. Nil
// members are skipped.
type Hooks struct {
	// BeforeSend runs after the user message is placed in the transcript
	// and before the transport is invoked. Returning an error aborts the
	// send; the turn is still finalized with a failed bot message.
	BeforeSend func(req *Request) error

	// OnStart runs when the transport leg begins, after preconditions
	// passed and the user message was placed.
	OnStart func(conversationID string)

	// OnError runs when the turn fails for any reason other than an
	// abort, before the error is returned.
	OnError func(err error)

	// OnAbort runs when the turn is cancelled.
	OnAbort func()
}

// SendOptions configures one SendMessage call.
type SendOptions struct {
	// Message is the user prompt. Required, at most 32KB.
	Message string `validate:"required,maxbytes"`

	// Stream selects incremental delivery. When false the transport's
	// non-streaming endpoint is used and OnProgress never fires.
	Stream bool

	// Headers are merged into the transport request (e.g. request ids,
	// tenant routing).
	Headers map[string]string

	// OnProgress receives answer snapshots during a streaming send.
	OnProgress streaming.ProgressFunc

	Hooks Hooks
}

// MessageResult is the terminal outcome of one send: the bot message ids
// and content after reconciliation.
type MessageResult struct {
	MessageID      string
	ConversationID string
	Answer         string
	Attributes     streaming.Attributes
}
