// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
)

// =============================================================================
// Test Doubles
// =============================================================================

// MockInputReader returns scripted lines, then io.EOF.
type MockInputReader struct {
	inputs []string
	index  int
}

func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// echoTransport answers every message with a fixed reply.
type echoTransport struct {
	answer string
	sends  int
}

func (e *echoTransport) Send(ctx context.Context, req chat.Request) (*chat.Response, error) {
	e.sends++
	return &chat.Response{Result: &streaming.Result{
		MessageID:      "msg-1",
		ConversationID: "conv-1",
		Answer:         e.answer,
	}}, nil
}

func (e *echoTransport) Stream(ctx context.Context, req chat.Request) (*chat.StreamHandle, error) {
	body := io.NopCloser(strings.NewReader(e.answer + "\n"))
	return &chat.StreamHandle{
		Body:   body,
		Format: streaming.FormatText,
		Mapper: streaming.TextMapper,
	}, nil
}

func newTestLoop(t *testing.T, transport chat.Transport, inputs []string, stream bool) (*chatLoop, *bytes.Buffer) {
	t.Helper()

	orig := ux.GetPersonality()
	t.Cleanup(func() { ux.SetPersonality(orig) })
	ux.SetPersonalityLevel(ux.PersonalityMachine)

	bus := events.NewBus()
	manager := chat.NewManager(transport, chat.NewStore(), bus)

	var out bytes.Buffer
	return &chatLoop{
		manager: manager,
		bus:     bus,
		input:   NewMockInputReader(inputs),
		out:     &out,
		stream:  stream,
	}, &out
}

// =============================================================================
// Run Tests
// =============================================================================

func TestChatLoop_ExitCommand(t *testing.T) {
	transport := &echoTransport{answer: "unused"}
	loop, _ := newTestLoop(t, transport, []string{"exit"}, false)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if transport.sends != 0 {
		t.Errorf("exit must not dispatch a message, got %d sends", transport.sends)
	}
}

func TestChatLoop_EOFEndsSession(t *testing.T) {
	loop, _ := newTestLoop(t, &echoTransport{answer: "hi"}, nil, false)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil on EOF", err)
	}
}

func TestChatLoop_TurnRendersAnswer(t *testing.T) {
	transport := &echoTransport{answer: "the answer is 42"}
	loop, out := newTestLoop(t, transport, []string{"what is the answer", "exit"}, false)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if transport.sends != 1 {
		t.Fatalf("expected 1 send, got %d", transport.sends)
	}
	if !strings.Contains(out.String(), "the answer is 42") {
		t.Errorf("answer missing from output: %q", out.String())
	}

	msgs := loop.manager.ActiveMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected a 2-message transcript, got %d", len(msgs))
	}
}

func TestChatLoop_StreamingTurn(t *testing.T) {
	transport := &echoTransport{answer: "streamed reply"}
	loop, out := newTestLoop(t, transport, []string{"go", "exit"}, true)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if !strings.Contains(out.String(), "streamed reply") {
		t.Errorf("streamed answer missing from output: %q", out.String())
	}
}

func TestChatLoop_HistoryCommand(t *testing.T) {
	transport := &echoTransport{answer: "pong"}
	loop, out := newTestLoop(t, transport, []string{"ping", "/history", "exit"}, false)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	// Transcript replay shows both roles in machine format.
	if !strings.Contains(out.String(), "user\tping") {
		t.Errorf("user line missing from history: %q", out.String())
	}
	if !strings.Contains(out.String(), "bot\tpong") {
		t.Errorf("bot line missing from history: %q", out.String())
	}
}

func TestChatLoop_BlankInputSkipped(t *testing.T) {
	transport := &echoTransport{answer: "hi"}
	loop, _ := newTestLoop(t, transport, []string{"", "   ", "exit"}, false)

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if transport.sends != 0 {
		t.Errorf("blank input must not dispatch, got %d sends", transport.sends)
	}
}

func TestChatLoop_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop, _ := newTestLoop(t, &echoTransport{answer: "hi"}, []string{"never read"}, false)
	if err := loop.Run(ctx); err != context.Canceled {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestIsExitCommand(t *testing.T) {
	exits := []string{"exit", "quit", "EXIT", " quit ", "/exit", "/quit"}
	for _, input := range exits {
		if !isExitCommand(input) {
			t.Errorf("isExitCommand(%q) = false, want true", input)
		}
	}
	stays := []string{"", "hello", "exit now", "quitting time"}
	for _, input := range stays {
		if isExitCommand(input) {
			t.Errorf("isExitCommand(%q) = true, want false", input)
		}
	}
}

func TestMessageResultToStream(t *testing.T) {
	if messageResultToStream(nil) != nil {
		t.Fatal("nil result must map to nil")
	}
	got := messageResultToStream(&chat.MessageResult{
		MessageID:      "m1",
		ConversationID: "c1",
		Answer:         "done",
	})
	if got.MessageID != "m1" || got.ConversationID != "c1" || got.Answer != "done" {
		t.Errorf("unexpected mapping: %+v", got)
	}
}
