// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// GatewayTransport speaks the Aleutian gateway protocol: REST for
// non-streaming turns and the capability probe, a websocket emitting
// tagged NDJSON records for streaming turns.
//
// The gateway keeps conversation state server-side, so requests carry
// the conversation id (or the temporary sentinel) instead of the full
// history, and terminal records name the promoted conversation id.
type GatewayTransport struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewGatewayTransport creates a transport for an Aleutian gateway at
// baseURL (e.g. "http://localhost:8080"). token is sent as a bearer
// credential when non-empty.
func NewGatewayTransport(baseURL, token string) *GatewayTransport {
	return &GatewayTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: newHTTPClient(),
		dialer:     websocket.DefaultDialer,
	}
}

type gatewayChatRequest struct {
	Message        string            `json:"message"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Headers        map[string]string `json:"-"`
}

type gatewayChatResponse struct {
	Answer         string             `json:"answer"`
	MessageID      string             `json:"message_id"`
	ConversationID string             `json:"conversation_id"`
	Sources        []streaming.Source `json:"sources"`
	Usage          *streaming.Usage   `json:"usage"`
	Error          string             `json:"error"`
}

type gatewayMetaResponse struct {
	Status     string `json:"status"`
	Limitation string `json:"limitation"`
}

// Initialize probes the gateway's capability endpoint. The gateway
// reports degraded modes (e.g. vector store offline, RAG disabled) as a
// limitation string.
func (g *GatewayTransport) Initialize(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/meta/capabilities", nil)
	if err != nil {
		return "", fmt.Errorf("build gateway probe request: %w", err)
	}
	g.authorize(req.Header)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &chat.TransportError{Cause: fmt.Errorf("gateway unreachable: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpError(resp)
	}

	var meta gatewayMetaResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("parse gateway capabilities: %w", err)
	}
	return meta.Limitation, nil
}

// Send runs a non-streaming turn against the REST endpoint.
func (g *GatewayTransport) Send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	ctx, span := tracer.Start(ctx, "GatewayTransport.Send")
	defer span.End()
	span.SetAttributes(attribute.String("chat.conversation_id", req.ConversationID))

	payload, err := json.Marshal(gatewayChatRequest{
		Message:        req.Message,
		ConversationID: g.wireConversationID(req.ConversationID),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal gateway chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gateway chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	g.authorize(httpReq.Header)
	applyHeaders(httpReq, req.Headers)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &chat.TransportError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError(resp)
	}

	var parsed gatewayChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse gateway chat response: %w", err)
	}
	if parsed.Error != "" {
		return nil, &streaming.StreamError{Message: parsed.Error}
	}

	result := &streaming.Result{
		MessageID:      parsed.MessageID,
		ConversationID: parsed.ConversationID,
		Answer:         parsed.Answer,
	}
	result.Attributes.Sources = parsed.Sources
	if parsed.Usage != nil {
		u := *parsed.Usage
		result.Attributes.Usage = &u
	}
	return &chat.Response{Result: result}, nil
}

// Stream opens a websocket turn. Each websocket message is one tagged
// JSON record; the adapter re-frames them as NDJSON for the shared
// decoder.
func (g *GatewayTransport) Stream(ctx context.Context, req chat.Request) (*chat.StreamHandle, error) {
	ctx, span := tracer.Start(ctx, "GatewayTransport.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("chat.conversation_id", req.ConversationID))

	header := http.Header{}
	g.authorize(header)
	for k, v := range req.Headers {
		header.Set(k, v)
	}

	conn, resp, err := g.dialer.DialContext(ctx, g.wsURL(), header)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if resp != nil {
			return nil, &chat.TransportError{Status: resp.StatusCode, Cause: err}
		}
		return nil, &chat.TransportError{Cause: err}
	}

	open := gatewayChatRequest{
		Message:        req.Message,
		ConversationID: g.wireConversationID(req.ConversationID),
	}
	if err := conn.WriteJSON(open); err != nil {
		_ = conn.Close()
		span.RecordError(err)
		return nil, &chat.TransportError{Cause: fmt.Errorf("write gateway open frame: %w", err)}
	}

	return &chat.StreamHandle{
		Body:   newWSReadCloser(ctx, conn),
		Format: streaming.FormatNDJSON,
		Mapper: streaming.GatewayMapper,
	}, nil
}

// wireConversationID hides the local temporary sentinel from the
// gateway: an absent id asks the gateway to create a conversation.
func (g *GatewayTransport) wireConversationID(id string) string {
	if id == chat.TempConversationID {
		return ""
	}
	return id
}

func (g *GatewayTransport) wsURL() string {
	url := g.baseURL + "/v1/chat/stream"
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return "ws://" + strings.TrimPrefix(url, "http://")
}

func (g *GatewayTransport) authorize(header http.Header) {
	if g.token != "" {
		header.Set("Authorization", "Bearer "+g.token)
	}
}

// wsReadCloser adapts a websocket connection into the io.ReadCloser the
// aggregator consumes: each websocket message becomes one
// newline-terminated NDJSON line.
type wsReadCloser struct {
	conn *websocket.Conn
	buf  bytes.Buffer

	closeOnce sync.Once
	done      chan struct{}
}

func newWSReadCloser(ctx context.Context, conn *websocket.Conn) *wsReadCloser {
	w := &wsReadCloser{conn: conn, done: make(chan struct{})}
	// Websocket reads do not watch contexts; tear the connection down to
	// unblock them on cancellation.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-w.done:
		}
	}()
	return w
}

func (w *wsReadCloser) Read(p []byte) (int, error) {
	for w.buf.Len() == 0 {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			return 0, err
		}
		w.buf.Write(msg)
		w.buf.WriteByte('\n')
	}
	return w.buf.Read(p)
}

func (w *wsReadCloser) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = w.conn.Close()
	})
	return err
}
