// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package streaming turns incremental chat-backend responses into a single
// coherent answer.
//
// The package is split along single-responsibility lines:
//
//	HTTP Response Body → ChunkDecoder → RecordMapper → Aggregator → Result
//
// ChunkDecoder handles wire framing only (SSE data: lines, NDJSON, plain
// text) and tolerates records split across arbitrary read boundaries.
// RecordMapper converts one framed record into an Event; each backend
// adapter supplies its own mapper. Aggregator folds the Event sequence
// into a growing answer plus side-channel attributes, invoking a progress
// callback after every visible change.
package streaming

// EventKind discriminates the closed set of decoded record kinds.
//
// Decoding is tag-based: mappers inspect an explicit type field in the
// wire payload and produce exactly one of these kinds, or skip the record.
// In particular, delta (EventToken) versus snapshot (EventAnswer) is
// decided by the kind alone, never by comparing text lengths.
type EventKind string

const (
	// EventStart opens a stream and may carry message/conversation ids.
	EventStart EventKind = "start"

	// EventToken carries the newly produced text since the previous record.
	EventToken EventKind = "token"

	// EventAnswer carries the complete answer-so-far, superseding any
	// previously accumulated text.
	EventAnswer EventKind = "answer"

	// EventSources carries retrieval citations for the current answer.
	EventSources EventKind = "sources"

	// EventToolCall carries one tool invocation requested by the model.
	EventToolCall EventKind = "tool_call"

	// EventToolResult carries the outcome of one tool invocation.
	EventToolResult EventKind = "tool_result"

	// EventMeta carries non-text metadata (usage, stop reason) without
	// terminating the stream.
	EventMeta EventKind = "meta"

	// EventDone terminates the stream and may carry final metadata
	// (usage, quota, truncation, authoritative ids).
	EventDone EventKind = "done"

	// EventError is an in-band failure reported by the backend mid-stream.
	EventError EventKind = "error"
)

// Event is one decoded logical record from a response stream.
//
// Only the fields relevant to the Kind are populated; everything else is
// left at its zero value. Mappers must not overload fields across kinds.
type Event struct {
	Kind EventKind

	// Text is the delta for EventToken or the full answer for EventAnswer.
	Text string

	// MessageID and ConversationID are set when the backend names them
	// (usually on start or done events).
	MessageID      string
	ConversationID string

	Sources    []Source
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Usage      *Usage
	Truncated  *bool

	// Extra holds backend-specific metadata (quota, model name, stop
	// reason) merged into the result attributes without interpretation.
	Extra map[string]any

	// ErrText is the backend-reported message for EventError.
	ErrText string
}

// IsTerminal reports whether this event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Source is one citation attached to an answer.
type Source struct {
	Id        string  `json:"id,omitempty"`
	Source    string  `json:"source"`
	Score     float64 `json:"score,omitempty"`
	Distance  float64 `json:"distance,omitempty"`
	CreatedAt int64   `json:"created_at,omitempty"`
}

// ToolCall is a model-requested tool invocation surfaced mid-stream.
type ToolCall struct {
	Id        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolResult is the backend-reported outcome of a tool invocation.
type ToolResult struct {
	CallId  string `json:"call_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Usage tracks token consumption reported by the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Attributes is the structured side channel accumulated alongside the
// answer text. Fields not reported by the backend stay at their zero
// values; merges never null-overwrite a previously observed field.
type Attributes struct {
	Sources     []Source
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Usage       *Usage
	Truncated   bool
	Extra       map[string]any
}

// merge folds the metadata carried by ev into the attributes.
// Growing lists are appended, scalars are overwritten only when present.
func (a *Attributes) merge(ev Event) {
	if len(ev.Sources) > 0 {
		a.Sources = append(a.Sources, ev.Sources...)
	}
	if ev.ToolCall != nil {
		a.ToolCalls = append(a.ToolCalls, *ev.ToolCall)
	}
	if ev.ToolResult != nil {
		a.ToolResults = append(a.ToolResults, *ev.ToolResult)
	}
	if ev.Usage != nil {
		u := *ev.Usage
		a.Usage = &u
	}
	if ev.Truncated != nil {
		a.Truncated = *ev.Truncated
	}
	if len(ev.Extra) > 0 {
		if a.Extra == nil {
			a.Extra = make(map[string]any, len(ev.Extra))
		}
		for k, v := range ev.Extra {
			a.Extra[k] = v
		}
	}
}

// clone returns a deep-enough copy safe to hand to a progress callback.
func (a *Attributes) clone() Attributes {
	out := Attributes{
		Usage:     nil,
		Truncated: a.Truncated,
	}
	if a.Usage != nil {
		u := *a.Usage
		out.Usage = &u
	}
	out.Sources = append([]Source(nil), a.Sources...)
	out.ToolCalls = append([]ToolCall(nil), a.ToolCalls...)
	out.ToolResults = append([]ToolResult(nil), a.ToolResults...)
	if a.Extra != nil {
		out.Extra = make(map[string]any, len(a.Extra))
		for k, v := range a.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Snapshot is the progress-callback payload: the answer so far plus the
// ids and attributes known at that point. Snapshots are immutable copies;
// callbacks may retain them.
type Snapshot struct {
	Answer         string
	MessageID      string
	ConversationID string
	Attributes     Attributes
}

// Result is the immutable terminal value of one aggregated stream.
type Result struct {
	MessageID      string
	ConversationID string
	Answer         string
	Attributes     Attributes
}
