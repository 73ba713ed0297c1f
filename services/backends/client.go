// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends contains the wire bindings for each supported chat
// backend. Every transport implements chat.Transport: Send for a
// complete answer, Stream for a raw body plus the framing/mapper pair
// the aggregator needs. Transports never aggregate; they only open the
// pipe and describe its dialect.
package backends

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
)

var tracer = otel.Tracer("aleutian.backends")

// defaultTimeout bounds non-streaming requests. Streaming requests get
// no client timeout; the caller's context governs them.
const defaultTimeout = 120 * time.Second

// newHTTPClient returns the client used for non-streaming calls.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// newStreamingClient returns the client used for streaming calls. No
// Timeout: that would kill long streams mid-answer. Cancellation comes
// from the request context instead.
func newStreamingClient() *http.Client {
	return &http.Client{}
}

// httpError drains the response body and wraps the status as a
// TransportError. Bodies on error paths are small; read fully so the
// connection can be reused.
func httpError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &chat.TransportError{
		Status: resp.StatusCode,
		Cause:  fmt.Errorf("%s", string(body)),
	}
}

// applyHeaders copies caller-supplied headers onto the request.
func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}

// historyRole maps transcript roles onto the "assistant" convention the
// vendor APIs share.
func historyRole(role string) string {
	if role == chat.RoleBot {
		return "assistant"
	}
	return "user"
}
