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
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// readBufferSize is the transport read granularity. Records are framed by
// the ChunkDecoder, so the size only affects syscall frequency.
const readBufferSize = 4096

// State tracks an Aggregator through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

// ProgressFunc receives a snapshot after every visible answer change.
//
// Callbacks run sequentially on the goroutine driving Run; they are never
// invoked concurrently with each other or with terminal result
// construction. A panicking callback is recovered and logged — it cannot
// corrupt aggregation state.
type ProgressFunc func(Snapshot)

// StreamError is an in-band failure reported by the backend mid-stream.
//
// Unlike a transport failure, the turn still yields a terminal Result:
// the answer text is replaced with the backend's error message so the
// partial turn stays visible, and the error is returned alongside it.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("backend stream error: %s", e.Message)
}

// Aggregator folds decoded stream events into one growing answer plus
// structured side attributes.
//
// # Description
//
// One Aggregator serves exactly one stream: construct a fresh instance
// per send, call Run once, then discard it. All mutation happens on the
// goroutine that called Run; the type needs no internal locking because
// it is single-owner by contract.
//
// # Invariants
//
//   - For delta (token) streams the answer length is non-decreasing
//     across callbacks.
//   - Records are processed strictly in arrival order, one at a time.
//   - Ids are captured from the first event that carries them and only a
//     terminal event may override them.
//
// # Limitations
//
//   - Not restartable: Run returns an error if called twice.
//   - Cancellation relies on the response body being bound to the same
//     context (http.NewRequestWithContext), which unblocks the read.
type Aggregator struct {
	onProgress ProgressFunc

	state          State
	answer         strings.Builder
	attrs          Attributes
	messageID      string
	conversationID string
	skippedRecords int
}

// NewAggregator creates an aggregator for one stream. onProgress may be
// nil when the caller only wants the terminal result.
func NewAggregator(onProgress ProgressFunc) *Aggregator {
	return &Aggregator{onProgress: onProgress}
}

// State returns the aggregator's lifecycle state.
func (a *Aggregator) State() State {
	return a.state
}

// Run consumes the response body to completion and returns the terminal
// result.
//
// The body is closed on every exit path. Outcomes:
//   - normal end of transport (or a done event): (*Result, nil);
//   - in-band backend error event: (*Result, *StreamError) — the result
//     carries the error text as its answer;
//   - context cancellation: (nil, ctx.Err());
//   - transport read failure: (nil, error).
//
// Malformed individual records are logged and skipped; they never abort
// the stream.
func (a *Aggregator) Run(ctx context.Context, body io.ReadCloser, format Format, mapper RecordMapper) (*Result, error) {
	if a.state != StateIdle {
		return nil, errors.New("aggregator already consumed")
	}
	a.state = StateStreaming
	defer func() {
		_ = body.Close()
	}()

	decoder := NewChunkDecoder(format)
	var streamErr *StreamError
	buf := make([]byte, readBufferSize)

	for {
		select {
		case <-ctx.Done():
			a.state = StateFailed
			return nil, ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			terminal := a.processRecords(decoder.Feed(buf[:n]), mapper, &streamErr)
			if terminal {
				break
			}
		}
		if readErr == io.EOF {
			a.processRecords(decoder.Flush(), mapper, &streamErr)
			break
		}
		if readErr != nil {
			a.state = StateFailed
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("read response stream: %w", readErr)
		}
	}

	if a.skippedRecords > 0 {
		slog.Warn("skipped malformed stream records", "count", a.skippedRecords)
	}

	result := &Result{
		MessageID:      a.messageID,
		ConversationID: a.conversationID,
		Answer:         a.answer.String(),
		Attributes:     a.attrs.clone(),
	}
	if streamErr != nil {
		a.state = StateFailed
		return result, streamErr
	}
	a.state = StateCompleted
	return result, nil
}

// processRecords maps and applies framed records in arrival order.
// Returns true when a terminal event was seen.
func (a *Aggregator) processRecords(records []Record, mapper RecordMapper, streamErr **StreamError) bool {
	for _, rec := range records {
		ev, err := mapper(rec.Payload)
		if err != nil {
			if !errors.Is(err, ErrSkipRecord) {
				a.skippedRecords++
				slog.Warn("malformed stream record", "error", err)
			}
			continue
		}
		if ev == nil {
			continue
		}
		if a.apply(*ev, streamErr) {
			return true
		}
	}
	return false
}

// apply folds one event into the aggregation state. Returns true for
// terminal events.
func (a *Aggregator) apply(ev Event, streamErr **StreamError) bool {
	a.captureIds(ev)

	switch ev.Kind {
	case EventStart:
		// Ids only; captured above.

	case EventToken:
		if ev.Text != "" {
			a.answer.WriteString(ev.Text)
			a.emitProgress()
		}

	case EventAnswer:
		// Snapshot semantics: the record supersedes the accumulation.
		if ev.Text != a.answer.String() {
			a.answer.Reset()
			a.answer.WriteString(ev.Text)
			a.emitProgress()
		}

	case EventSources, EventToolCall, EventToolResult, EventMeta:
		a.attrs.merge(ev)

	case EventDone:
		a.attrs.merge(ev)
		return true

	case EventError:
		msg := ev.ErrText
		if msg == "" {
			msg = "stream error"
		}
		*streamErr = &StreamError{Message: msg}
		// Keep the failed turn visible: the error text becomes the answer.
		a.answer.Reset()
		a.answer.WriteString(msg)
		a.emitProgress()
		return true
	}
	return false
}

// captureIds records ids from the first event naming them; terminal
// events are authoritative and may override (e.g. a backend reassigns the
// conversation id after promoting a temporary conversation).
func (a *Aggregator) captureIds(ev Event) {
	if ev.MessageID != "" && (a.messageID == "" || ev.IsTerminal()) {
		a.messageID = ev.MessageID
	}
	if ev.ConversationID != "" && (a.conversationID == "" || ev.IsTerminal()) {
		a.conversationID = ev.ConversationID
	}
}

// emitProgress invokes the progress callback with an immutable snapshot,
// isolating callback panics from aggregation state.
func (a *Aggregator) emitProgress() {
	if a.onProgress == nil {
		return
	}
	snapshot := Snapshot{
		Answer:         a.answer.String(),
		MessageID:      a.messageID,
		ConversationID: a.conversationID,
		Attributes:     a.attrs.clone(),
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("progress callback panicked", "panic", r)
		}
	}()
	a.onProgress(snapshot)
}
