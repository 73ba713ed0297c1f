// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// =============================================================================
// Test Helpers
// =============================================================================

// sseStream builds an SSE body from gateway-shaped records.
func sseStream(lines ...string) io.ReadCloser {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString("data: ")
		b.WriteString(l)
		b.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(b.String()))
}

// trackingCloser records whether Close was called.
type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

// =============================================================================
// Aggregation Tests - Delta Streams
// =============================================================================

func TestAggregator_Run_FoldsTokens(t *testing.T) {
	var snapshots []string
	agg := NewAggregator(func(s Snapshot) {
		snapshots = append(snapshots, s.Answer)
	})

	body := sseStream(
		`{"type":"start","message_id":"msg-1","conversation_id":"conv-1"}`,
		`{"type":"token","content":"Hel"}`,
		`{"type":"token","content":"lo "}`,
		`{"type":"done"}`,
	)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "Hello " {
		t.Errorf("expected answer %q, got %q", "Hello ", result.Answer)
	}
	if result.MessageID != "msg-1" || result.ConversationID != "conv-1" {
		t.Errorf("ids not captured: %+v", result)
	}

	// Callback sees the accumulated buffer, never the bare delta.
	expected := []string{"Hel", "Hello "}
	if len(snapshots) != len(expected) {
		t.Fatalf("expected %d snapshots, got %d: %v", len(expected), len(snapshots), snapshots)
	}
	for i, want := range expected {
		if snapshots[i] != want {
			t.Errorf("snapshot %d: expected %q, got %q", i, want, snapshots[i])
		}
	}
}

func TestAggregator_Run_MonotonicBufferGrowth(t *testing.T) {
	var lengths []int
	agg := NewAggregator(func(s Snapshot) {
		lengths = append(lengths, len(s.Answer))
	})

	body := sseStream(
		`{"type":"token","content":"a"}`,
		`{"type":"token","content":"bc"}`,
		`{"type":"token","content":"d"}`,
		`{"type":"done"}`,
	)

	if _, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(lengths); i++ {
		if lengths[i] < lengths[i-1] {
			t.Fatalf("buffer shrank between snapshots: %v", lengths)
		}
	}
}

func TestAggregator_Run_EndOfTransportWithoutDone(t *testing.T) {
	agg := NewAggregator(nil)

	body := sseStream(`{"type":"token","content":"partial"}`)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "partial" {
		t.Errorf("expected %q, got %q", "partial", result.Answer)
	}
	if agg.State() != StateCompleted {
		t.Errorf("expected StateCompleted, got %v", agg.State())
	}
}

// =============================================================================
// Aggregation Tests - Snapshot Streams
// =============================================================================

func TestAggregator_Run_SnapshotRecordsReplaceBuffer(t *testing.T) {
	var snapshots []string
	agg := NewAggregator(func(s Snapshot) {
		snapshots = append(snapshots, s.Answer)
	})

	// Snapshot-style backends resend the full answer each time. The kind
	// tag decides replacement; the text is never length-compared.
	body := sseStream(
		`{"type":"answer","answer":"Hel"}`,
		`{"type":"answer","answer":"Hello world"}`,
		`{"type":"done"}`,
	)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", result.Answer)
	}
	if len(snapshots) != 2 || snapshots[1] != "Hello world" {
		t.Errorf("unexpected snapshots: %v", snapshots)
	}
}

func TestAggregator_Run_UnchangedSnapshotDoesNotReemit(t *testing.T) {
	calls := 0
	agg := NewAggregator(func(Snapshot) { calls++ })

	body := sseStream(
		`{"type":"answer","answer":"same"}`,
		`{"type":"answer","answer":"same"}`,
		`{"type":"done"}`,
	)

	if _, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 callback for unchanged snapshot, got %d", calls)
	}
}

// =============================================================================
// Aggregation Tests - Metadata and Tools
// =============================================================================

func TestAggregator_Run_AttributesAccumulate(t *testing.T) {
	agg := NewAggregator(nil)

	body := sseStream(
		`{"type":"sources","sources":[{"source":"a.pdf","score":0.9}]}`,
		`{"type":"sources","sources":[{"source":"b.pdf","score":0.7}]}`,
		`{"type":"tool_call","tool_call":{"id":"t1","name":"search","arguments":"{}"}}`,
		`{"type":"tool_result","tool_result":{"call_id":"t1","content":"ok"}}`,
		`{"type":"token","content":"done deal"}`,
		`{"type":"done","usage":{"input_tokens":10,"output_tokens":4},"truncated":true,"quota":{"remaining":3}}`,
	)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	attrs := result.Attributes
	if len(attrs.Sources) != 2 {
		t.Errorf("expected 2 sources, got %d", len(attrs.Sources))
	}
	if len(attrs.ToolCalls) != 1 || attrs.ToolCalls[0].Name != "search" {
		t.Errorf("tool calls not accumulated: %+v", attrs.ToolCalls)
	}
	if len(attrs.ToolResults) != 1 || attrs.ToolResults[0].Content != "ok" {
		t.Errorf("tool results not accumulated: %+v", attrs.ToolResults)
	}
	if attrs.Usage == nil || attrs.Usage.OutputTokens != 4 {
		t.Errorf("usage not merged: %+v", attrs.Usage)
	}
	if !attrs.Truncated {
		t.Error("truncated flag not merged")
	}
	if attrs.Extra["quota"] == nil {
		t.Error("quota not forwarded into extra attributes")
	}
}

func TestAggregator_Run_TerminalEventOverridesIds(t *testing.T) {
	agg := NewAggregator(nil)

	// Backend reassigns the conversation id on completion (promotion).
	body := sseStream(
		`{"type":"start","conversation_id":"temp_convo"}`,
		`{"type":"token","content":"hi"}`,
		`{"type":"done","message_id":"msg-9","conversation_id":"conv-real"}`,
	)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ConversationID != "conv-real" {
		t.Errorf("expected terminal id override, got %q", result.ConversationID)
	}
	if result.MessageID != "msg-9" {
		t.Errorf("expected message id from done event, got %q", result.MessageID)
	}
}

// =============================================================================
// Aggregation Tests - Failure Paths
// =============================================================================

func TestAggregator_Run_ErrorMidStream(t *testing.T) {
	var snapshots []string
	agg := NewAggregator(func(s Snapshot) {
		snapshots = append(snapshots, s.Answer)
	})

	body := sseStream(
		`{"type":"token","content":"Hello "}`,
		`{"type":"token","content":"world"}`,
		`{"type":"error","error":"boom"}`,
	)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)

	var streamErr *StreamError
	if !errors.As(err, &streamErr) {
		t.Fatalf("expected StreamError, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should carry the backend message: %v", err)
	}
	// The terminal result is still produced: the turn is not lost.
	if result == nil || result.Answer != "boom" {
		t.Fatalf("expected result with error text answer, got %+v", result)
	}

	expected := []string{"Hello ", "Hello world", "boom"}
	if len(snapshots) != len(expected) {
		t.Fatalf("expected snapshots %v, got %v", expected, snapshots)
	}
	for i, want := range expected {
		if snapshots[i] != want {
			t.Errorf("snapshot %d: expected %q, got %q", i, want, snapshots[i])
		}
	}
	if agg.State() != StateFailed {
		t.Errorf("expected StateFailed, got %v", agg.State())
	}
}

func TestAggregator_Run_MalformedRecordsSkipped(t *testing.T) {
	agg := NewAggregator(nil)

	body := io.NopCloser(strings.NewReader(
		"data: {\"type\":\"token\",\"content\":\"ok\"}\n" +
			"data: {not json at all\n" +
			"data: {\"type\":\"token\",\"content\":\" still ok\"}\n" +
			"data: {\"type\":\"done\"}\n"))

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("malformed record must not abort the stream: %v", err)
	}
	if result.Answer != "ok still ok" {
		t.Errorf("expected %q, got %q", "ok still ok", result.Answer)
	}
}

func TestAggregator_Run_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	agg := NewAggregator(func(Snapshot) {
		calls++
		cancel() // abort after the first chunk arrives
	})

	closer := &trackingCloser{Reader: strings.NewReader(
		"data: {\"type\":\"token\",\"content\":\"a\"}\n" +
			"data: {\"type\":\"token\",\"content\":\"b\"}\n")}

	// The reader above delivers everything in one Read, so the first
	// callback fires before the cancellation check on the next loop turn.
	result, err := agg.Run(ctx, closer, FormatSSE, GatewayMapper)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result != nil {
		t.Errorf("cancellation must not produce a result, got %+v", result)
	}
	if !closer.closed {
		t.Error("response body must be closed on the cancellation path")
	}
}

func TestAggregator_Run_BodyClosedOnSuccess(t *testing.T) {
	agg := NewAggregator(nil)
	closer := &trackingCloser{Reader: strings.NewReader("data: {\"type\":\"done\"}\n")}

	if _, err := agg.Run(context.Background(), closer, FormatSSE, GatewayMapper); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closer.closed {
		t.Error("response body must be closed after completion")
	}
}

func TestAggregator_Run_CallbackPanicIsolated(t *testing.T) {
	agg := NewAggregator(func(Snapshot) {
		panic("renderer exploded")
	})

	body := sseStream(
		`{"type":"token","content":"a"}`,
		`{"type":"token","content":"b"}`,
		`{"type":"done"}`,
	)

	result, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper)
	if err != nil {
		t.Fatalf("callback panic must not fail the stream: %v", err)
	}
	if result.Answer != "ab" {
		t.Errorf("aggregation state corrupted by panicking callback: %q", result.Answer)
	}
}

func TestAggregator_Run_NotRestartable(t *testing.T) {
	agg := NewAggregator(nil)
	body := sseStream(`{"type":"done"}`)

	if _, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := agg.Run(context.Background(), body, FormatSSE, GatewayMapper); err == nil {
		t.Error("expected error on second Run")
	}
}

// =============================================================================
// Plain Text Stream Tests
// =============================================================================

func TestAggregator_Run_PlainTextStream(t *testing.T) {
	var snapshots []string
	agg := NewAggregator(func(s Snapshot) {
		snapshots = append(snapshots, s.Answer)
	})

	body := io.NopCloser(strings.NewReader("Hello plain world"))

	result, err := agg.Run(context.Background(), body, FormatText, TextMapper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "Hello plain world" {
		t.Errorf("expected full text answer, got %q", result.Answer)
	}
	if len(snapshots) == 0 {
		t.Fatal("expected at least one progress snapshot")
	}
	if snapshots[len(snapshots)-1] != "Hello plain world" {
		t.Errorf("final snapshot mismatch: %q", snapshots[len(snapshots)-1])
	}
}
