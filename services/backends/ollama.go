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
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// OllamaTransport speaks the Ollama /api/chat protocol. Streaming
// responses are NDJSON, one object per line, closed by a "done" object
// carrying eval counts.
type OllamaTransport struct {
	baseURL    string
	model      string
	httpClient *http.Client
	streamer   *http.Client
}

// NewOllamaTransport creates a transport for a local Ollama server.
// baseURL is e.g. "http://localhost:11434".
func NewOllamaTransport(baseURL, model string) *OllamaTransport {
	return &OllamaTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: newHTTPClient(),
		streamer:   newStreamingClient(),
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	Error           string        `json:"error"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Initialize verifies the server is reachable and reports whether the
// configured model is present locally. A missing model is a limitation,
// not an error: Ollama pulls it on first use, which makes the first
// answer slow.
func (o *OllamaTransport) Initialize(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return "", fmt.Errorf("build ollama tags request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", &chat.TransportError{Cause: fmt.Errorf("ollama unreachable: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", httpError(resp)
	}

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", fmt.Errorf("parse ollama tags response: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == o.model || strings.TrimSuffix(m.Name, ":latest") == o.model {
			return "", nil
		}
	}
	return fmt.Sprintf("model %q not present locally; first answer will wait for the pull", o.model), nil
}

// Send runs a non-streaming chat turn.
func (o *OllamaTransport) Send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	ctx, span := tracer.Start(ctx, "OllamaTransport.Send")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.doChat(ctx, req, false, o.httpClient)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read ollama response: %w", err)
	}
	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		slog.Error("failed to parse ollama chat response", "error", err, "response", string(body))
		span.RecordError(err)
		return nil, fmt.Errorf("parse ollama response: %w", err)
	}
	if parsed.Error != "" {
		return nil, &streaming.StreamError{Message: parsed.Error}
	}

	return &chat.Response{Result: &streaming.Result{
		ConversationID: req.ConversationID,
		Answer:         parsed.Message.Content,
		Attributes: streaming.Attributes{
			Usage: &streaming.Usage{
				InputTokens:  parsed.PromptEvalCount,
				OutputTokens: parsed.EvalCount,
			},
		},
	}}, nil
}

// Stream opens a streaming chat turn.
func (o *OllamaTransport) Stream(ctx context.Context, req chat.Request) (*chat.StreamHandle, error) {
	ctx, span := tracer.Start(ctx, "OllamaTransport.Stream")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.doChat(ctx, req, true, o.streamer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return &chat.StreamHandle{
		Body:   resp.Body,
		Format: streaming.FormatNDJSON,
		Mapper: OllamaMapper,
	}, nil
}

func (o *OllamaTransport) doChat(ctx context.Context, req chat.Request, stream bool, client *http.Client) (*http.Response, error) {
	messages := make([]ollamaMessage, 0, len(req.History))
	for _, m := range req.History {
		messages = append(messages, ollamaMessage{Role: historyRole(m.Role), Content: m.Answer})
	}

	payload, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ollama chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build ollama chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
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

// OllamaMapper maps Ollama NDJSON chat records. Each record carries a
// content delta; the final record has done=true with eval counts.
func OllamaMapper(payload []byte) (*streaming.Event, error) {
	var rec ollamaChatResponse
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("ollama record: %w", err)
	}
	if rec.Error != "" {
		return &streaming.Event{Kind: streaming.EventError, ErrText: rec.Error}, nil
	}
	if rec.Done {
		return &streaming.Event{
			Kind: streaming.EventDone,
			Usage: &streaming.Usage{
				InputTokens:  rec.PromptEvalCount,
				OutputTokens: rec.EvalCount,
			},
		}, nil
	}
	if rec.Message.Content == "" {
		return nil, nil
	}
	return &streaming.Event{Kind: streaming.EventToken, Text: rec.Message.Content}, nil
}
