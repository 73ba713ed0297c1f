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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1/messages"
	anthropicMaxTokens      = 8192
)

// AnthropicTransport speaks the Anthropic Messages API. Streaming
// responses are SSE with typed records: message_start, content deltas,
// message_delta, message_stop.
type AnthropicTransport struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	streamer   *http.Client
}

// NewAnthropicTransport creates a transport for the Anthropic API.
// baseURL overrides the production endpoint when non-empty (tests,
// proxies).
func NewAnthropicTransport(apiKey, model, baseURL string) *AnthropicTransport {
	if baseURL == "" {
		baseURL = anthropicDefaultBaseURL
	}
	return &AnthropicTransport{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: newHTTPClient(),
		streamer:   newStreamingClient(),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	ID      string `json:"id"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamRecord is the union of all SSE record shapes the
// Messages API emits; Type discriminates.
type anthropicStreamRecord struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string          `json:"id"`
		Usage *anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send runs a non-streaming Messages turn.
func (a *AnthropicTransport) Send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	ctx, span := tracer.Start(ctx, "AnthropicTransport.Send")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	resp, err := a.doMessages(ctx, req, false, a.httpClient)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read anthropic response: %w", err)
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}
	if parsed.Error != nil {
		return nil, &streaming.StreamError{Message: parsed.Error.Message}
	}

	var answer string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			answer += block.Text
		}
	}
	result := &streaming.Result{
		MessageID:      parsed.ID,
		ConversationID: req.ConversationID,
		Answer:         answer,
	}
	if parsed.Usage != nil {
		result.Attributes.Usage = &streaming.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		}
	}
	return &chat.Response{Result: result}, nil
}

// Stream opens a streaming Messages turn.
func (a *AnthropicTransport) Stream(ctx context.Context, req chat.Request) (*chat.StreamHandle, error) {
	ctx, span := tracer.Start(ctx, "AnthropicTransport.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", a.model))

	resp, err := a.doMessages(ctx, req, true, a.streamer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &chat.StreamHandle{
		Body:   resp.Body,
		Format: streaming.FormatSSE,
		Mapper: AnthropicMapper,
	}, nil
}

func (a *AnthropicTransport) doMessages(ctx context.Context, req chat.Request, stream bool, client *http.Client) (*http.Response, error) {
	messages := make([]anthropicMessage, 0, len(req.History))
	for _, m := range req.History {
		messages = append(messages, anthropicMessage{Role: historyRole(m.Role), Content: m.Answer})
	}

	payload, err := json.Marshal(anthropicRequest{
		Model:     a.model,
		Messages:  messages,
		MaxTokens: anthropicMaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	applyHeaders(httpReq, req.Headers)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &chat.TransportError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError(resp)
	}
	return resp, nil
}

// AnthropicMapper maps Messages API SSE records. Text arrives as
// content_block_delta records; message_stop closes the answer.
func AnthropicMapper(payload []byte) (*streaming.Event, error) {
	var rec anthropicStreamRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("anthropic record: %w", err)
	}

	switch rec.Type {
	case "message_start":
		ev := &streaming.Event{Kind: streaming.EventStart}
		if rec.Message != nil {
			ev.MessageID = rec.Message.ID
		}
		return ev, nil

	case "content_block_delta":
		if rec.Delta == nil || rec.Delta.Text == "" {
			return nil, nil
		}
		return &streaming.Event{Kind: streaming.EventToken, Text: rec.Delta.Text}, nil

	case "message_delta":
		// Carries final usage ahead of message_stop; fold it in without
		// terminating.
		if rec.Usage != nil {
			return &streaming.Event{
				Kind: streaming.EventMeta,
				Usage: &streaming.Usage{
					InputTokens:  rec.Usage.InputTokens,
					OutputTokens: rec.Usage.OutputTokens,
				},
			}, nil
		}
		return nil, nil

	case "message_stop":
		return &streaming.Event{Kind: streaming.EventDone}, nil

	case "error":
		msg := "anthropic stream error"
		if rec.Error != nil {
			msg = rec.Error.Message
		}
		return &streaming.Event{Kind: streaming.EventError, ErrText: msg}, nil

	case "ping", "content_block_start", "content_block_stop":
		return nil, nil

	default:
		return nil, nil
	}
}
