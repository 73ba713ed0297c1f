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
	"io"

	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// Request is one outbound turn handed to a Transport.
type Request struct {
	// Message is the new user prompt.
	Message string

	// ConversationID is the active conversation id; TempConversationID
	// when the backend has not named the conversation yet. Backends that
	// keep server-side state use it for routing, stateless backends use
	// History instead.
	ConversationID string

	// History is the transcript up to and including the new user message,
	// oldest first.
	History []MessageRecord

	// Headers are extra request headers supplied by the caller.
	Headers map[string]string
}

// Response is a complete non-streaming answer.
type Response struct {
	Result *streaming.Result
}

// StreamHandle is an open streaming response ready for aggregation: the
// raw body plus the framing and schema the backend speaks.
type StreamHandle struct {
	Body   io.ReadCloser
	Format streaming.Format
	Mapper streaming.RecordMapper
}

// Transport is one backend's wire binding.
//
// Implementations live in services/backends. Stream must bind Body reads
// to ctx (http.NewRequestWithContext) so cancellation unblocks the
// aggregator's read loop. HTTP-level failures are reported as
// *TransportError; in-band backend failures surface later as
// *streaming.StreamError from the aggregator.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request) (*StreamHandle, error)
}

// Initializer is implemented by transports that need a startup probe.
// Limitation is a human-readable description of a degraded capability
// ("" when fully capable).
type Initializer interface {
	Initialize(ctx context.Context) (limitation string, err error)
}
