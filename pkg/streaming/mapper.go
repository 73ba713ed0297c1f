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
	"encoding/json"
	"fmt"
)

// RecordMapper converts one framed record payload into an Event.
//
// Each backend adapter supplies a mapper that understands its wire schema.
// Contract:
//   - return (nil, nil) to skip a record that carries nothing (keep-alive
//     pings, unknown tags);
//   - return an error only for a malformed record; the aggregator logs it
//     and continues, so a single bad record never aborts the stream;
//   - map delta vs snapshot text by the payload's type tag, never by
//     inspecting text lengths.
type RecordMapper func(payload []byte) (*Event, error)

// ErrSkipRecord may be wrapped by mappers to signal an intentionally
// ignored record without logging noise.
var ErrSkipRecord = fmt.Errorf("streaming: record skipped")

// TextMapper maps plain-text records: the whole payload is one delta.
func TextMapper(payload []byte) (*Event, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return &Event{Kind: EventToken, Text: string(payload)}, nil
}

// gatewayRecord matches the event shape spoken by the Aleutian gateway:
// a flat JSON object with an explicit "type" discriminant.
type gatewayRecord struct {
	Type           string          `json:"type"`
	Content        string          `json:"content"`
	Answer         string          `json:"answer"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	SessionID      string          `json:"session_id"`
	Sources        []Source        `json:"sources"`
	ToolCall       *ToolCall       `json:"tool_call"`
	ToolResult     *ToolResult     `json:"tool_result"`
	Usage          *Usage          `json:"usage"`
	Truncated      *bool           `json:"truncated"`
	Quota          json.RawMessage `json:"quota"`
	Error          string          `json:"error"`
}

// GatewayMapper maps the gateway's tagged event records.
//
// Recognized tags: start, token, answer, sources, tool_call, tool_result,
// done, error. Unknown tags are skipped (tag-based closed union, no
// guessing). The legacy "session_id" field is honored as a conversation
// id when "conversation_id" is absent.
func GatewayMapper(payload []byte) (*Event, error) {
	var raw gatewayRecord
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("gateway record: %w", err)
	}

	convID := raw.ConversationID
	if convID == "" {
		convID = raw.SessionID
	}

	ev := &Event{
		MessageID:      raw.MessageID,
		ConversationID: convID,
	}

	switch raw.Type {
	case "start":
		ev.Kind = EventStart
	case "token":
		ev.Kind = EventToken
		ev.Text = raw.Content
	case "answer":
		ev.Kind = EventAnswer
		if raw.Answer != "" {
			ev.Text = raw.Answer
		} else {
			ev.Text = raw.Content
		}
	case "sources":
		ev.Kind = EventSources
		ev.Sources = raw.Sources
	case "tool_call":
		ev.Kind = EventToolCall
		ev.ToolCall = raw.ToolCall
	case "tool_result":
		ev.Kind = EventToolResult
		ev.ToolResult = raw.ToolResult
	case "done":
		ev.Kind = EventDone
		ev.Usage = raw.Usage
		ev.Truncated = raw.Truncated
		if len(raw.Quota) > 0 {
			var quota any
			if err := json.Unmarshal(raw.Quota, &quota); err == nil {
				ev.Extra = map[string]any{"quota": quota}
			}
		}
	case "error":
		ev.Kind = EventError
		ev.ErrText = raw.Error
		if ev.ErrText == "" {
			ev.ErrText = raw.Content
		}
	case "status", "ping":
		// Progress chatter; nothing to accumulate.
		return nil, nil
	default:
		return nil, nil
	}

	return ev, nil
}
