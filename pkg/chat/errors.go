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
	"errors"
	"fmt"
)

// Sentinel errors for send preconditions. Match with errors.Is.
var (
	// ErrBusy is returned when a send arrives while another is in flight.
	// The rejected send leaves no trace: no events, no transcript change.
	ErrBusy = errors.New("chat: a send is already in progress")

	// ErrNotInitialized is returned when SendMessage is called before
	// Initialize succeeded.
	ErrNotInitialized = errors.New("chat: manager not initialized")

	// ErrConversationLocked is returned when the active conversation is
	// locked against new sends.
	ErrConversationLocked = errors.New("chat: conversation is locked")
)

// ValidationError reports rejected send options. The underlying
// field-level detail is preserved for Unwrap.
type ValidationError struct {
	Cause error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("chat: invalid send options: %v", e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// TransportError reports an HTTP-level failure: the request never yielded
// a usable response body. Status is zero when the failure happened before
// any response arrived.
type TransportError struct {
	Status int
	Cause  error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("chat: transport failure (status %d): %v", e.Status, e.Cause)
	}
	return fmt.Sprintf("chat: transport failure: %v", e.Cause)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// AbortError reports a send cancelled by the caller's context. The turn
// is finalized (the transcript keeps the user message and an empty bot
// message) before this error is returned.
type AbortError struct {
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("chat: send aborted: %v", e.Cause)
}

func (e *AbortError) Unwrap() error { return e.Cause }
