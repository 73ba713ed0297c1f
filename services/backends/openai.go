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
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// OpenAITransport speaks the OpenAI chat completions API. Non-streaming
// turns go through the go-openai client; streaming turns open the raw
// SSE body so the shared aggregator drives delivery like every other
// backend.
type OpenAITransport struct {
	apiKey   string
	model    string
	baseURL  string
	client   *openai.Client
	streamer *http.Client
}

// NewOpenAITransport creates a transport for OpenAI or any
// API-compatible server. baseURL overrides the production endpoint when
// non-empty (must include the version prefix, e.g. ".../v1").
func NewOpenAITransport(apiKey, model, baseURL string) *OpenAITransport {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAITransport{
		apiKey:   apiKey,
		model:    model,
		baseURL:  cfg.BaseURL,
		client:   openai.NewClientWithConfig(cfg),
		streamer: newStreamingClient(),
	}
}

// Send runs a non-streaming completion through the go-openai client.
func (o *OpenAITransport) Send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	ctx, span := tracer.Start(ctx, "OpenAITransport.Send")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: o.buildMessages(req),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &chat.TransportError{Cause: fmt.Errorf("openai completion: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return nil, &chat.TransportError{Cause: fmt.Errorf("openai completion returned no choices")}
	}

	return &chat.Response{Result: &streaming.Result{
		MessageID:      resp.ID,
		ConversationID: req.ConversationID,
		Answer:         resp.Choices[0].Message.Content,
		Attributes: streaming.Attributes{
			Usage: &streaming.Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			},
		},
	}}, nil
}

// Stream opens a raw SSE completion stream.
func (o *OpenAITransport) Stream(ctx context.Context, req chat.Request) (*chat.StreamHandle, error) {
	ctx, span := tracer.Start(ctx, "OpenAITransport.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	payload, err := json.Marshal(openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: o.buildMessages(req),
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openai stream request: %w", err)
	}

	url := strings.TrimRight(o.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build openai stream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	applyHeaders(httpReq, req.Headers)

	resp, err := o.streamer.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &chat.TransportError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httpError(resp)
	}

	return &chat.StreamHandle{
		Body:   resp.Body,
		Format: streaming.FormatSSE,
		Mapper: OpenAIMapper,
	}, nil
}

func (o *OpenAITransport) buildMessages(req chat.Request) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History))
	for _, m := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    historyRole(m.Role),
			Content: m.Answer,
		})
	}
	return messages
}

// openaiStreamChunk is the SSE record shape for chat completion chunks.
type openaiStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// OpenAIMapper maps chat completion SSE chunks. The stream closes with a
// literal "[DONE]" sentinel record.
func OpenAIMapper(payload []byte) (*streaming.Event, error) {
	if string(bytes.TrimSpace(payload)) == "[DONE]" {
		return &streaming.Event{Kind: streaming.EventDone}, nil
	}

	var chunk openaiStreamChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("openai chunk: %w", err)
	}
	if chunk.Error != nil {
		return &streaming.Event{Kind: streaming.EventError, ErrText: chunk.Error.Message}, nil
	}
	if len(chunk.Choices) == 0 {
		return nil, nil
	}
	delta := chunk.Choices[0].Delta.Content
	if delta == "" {
		return nil, nil
	}
	return &streaming.Event{
		Kind:      streaming.EventToken,
		Text:      delta,
		MessageID: chunk.ID,
	}, nil
}
