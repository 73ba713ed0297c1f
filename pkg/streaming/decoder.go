// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the ChunkDecoder: wire-format framing for streaming
// responses. The decoder ONLY frames; it never parses payload JSON and
// never touches aggregation state. That stays with RecordMapper and
// Aggregator respectively.
package streaming

import (
	"bytes"
	"strings"
	"unicode/utf8"
)

// Format selects the wire framing used by a backend's streaming endpoint.
type Format string

const (
	// FormatSSE frames records as Server-Sent Events "data: <payload>"
	// lines. Blank lines delimit events and ":" lines are comments; both
	// are discarded during framing.
	FormatSSE Format = "sse"

	// FormatNDJSON frames one JSON object per newline-terminated line.
	FormatNDJSON Format = "ndjson"

	// FormatText has no inner framing: every increment is one record of
	// plain answer text.
	FormatText Format = "text"
)

// Record is one complete framed record, ready for a RecordMapper.
type Record struct {
	// Payload is the record body: the JSON after "data: " for SSE, the
	// line for NDJSON, or the raw text for FormatText.
	Payload []byte
}

// ChunkDecoder reassembles complete records from arbitrarily split raw
// increments.
//
// The decoder keeps the bytes after the last newline (or, for FormatText,
// a trailing incomplete UTF-8 sequence) as a pending fragment and prepends
// it to the next increment, so a record split across two reads is emitted
// exactly once, whole. Feed never emits a partial record.
//
// A ChunkDecoder is single-stream state: create one per response body and
// do not share across goroutines.
type ChunkDecoder struct {
	format  Format
	pending []byte
}

// NewChunkDecoder creates a decoder for the given wire format.
func NewChunkDecoder(format Format) *ChunkDecoder {
	return &ChunkDecoder{format: format}
}

// Feed appends a raw increment and returns all records completed by it.
//
// The returned payload slices are copies; callers may retain them across
// subsequent Feed calls.
func (d *ChunkDecoder) Feed(chunk []byte) []Record {
	if len(chunk) == 0 {
		return nil
	}

	if d.format == FormatText {
		return d.feedText(chunk)
	}

	d.pending = append(d.pending, chunk...)

	var records []Record
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		d.pending = d.pending[idx+1:]
		if rec, ok := d.frameLine(line); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Flush returns the final record held back when the transport ends.
//
// A non-empty pending fragment that frames cleanly (e.g. a last line
// without a trailing newline) is emitted as one record; framing noise is
// dropped. Flush resets the decoder's pending state.
func (d *ChunkDecoder) Flush() []Record {
	if len(d.pending) == 0 {
		return nil
	}
	line := d.pending
	d.pending = nil

	if d.format == FormatText {
		return []Record{{Payload: append([]byte(nil), line...)}}
	}
	if rec, ok := d.frameLine(line); ok {
		return []Record{rec}
	}
	return nil
}

// frameLine applies per-format line rules, returning false for lines that
// are framing noise rather than records.
func (d *ChunkDecoder) frameLine(line []byte) (Record, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return Record{}, false
	}

	switch d.format {
	case FormatSSE:
		// Comment lines per the SSE spec.
		if strings.HasPrefix(trimmed, ":") {
			return Record{}, false
		}
		// Some servers omit the space after the colon.
		var payload string
		switch {
		case strings.HasPrefix(trimmed, "data: "):
			payload = strings.TrimPrefix(trimmed, "data: ")
		case strings.HasPrefix(trimmed, "data:"):
			payload = strings.TrimPrefix(trimmed, "data:")
		default:
			// Non-data fields (event:, id:, retry:) carry no payload
			// this decoder cares about.
			return Record{}, false
		}
		if payload == "" {
			return Record{}, false
		}
		return Record{Payload: []byte(payload)}, true

	case FormatNDJSON:
		return Record{Payload: []byte(trimmed)}, true

	default:
		return Record{Payload: append([]byte(nil), line...)}, true
	}
}

// feedText emits the increment as a single record, holding back a trailing
// incomplete UTF-8 sequence so multi-byte runes split across increments
// are reassembled rather than emitted as replacement characters.
func (d *ChunkDecoder) feedText(chunk []byte) []Record {
	d.pending = append(d.pending, chunk...)
	complete, rest := splitIncompleteRune(d.pending)
	if len(complete) == 0 {
		return nil
	}
	d.pending = append([]byte(nil), rest...)
	return []Record{{Payload: append([]byte(nil), complete...)}}
}

// splitIncompleteRune splits b so that complete contains only whole UTF-8
// sequences and rest holds the trailing bytes of an unfinished rune, if any.
func splitIncompleteRune(b []byte) (complete, rest []byte) {
	// A rune is at most utf8.UTFMax bytes; only the tail can be unfinished.
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 && !utf8.FullRune(b[i:]) {
			return b[:i], b[i:]
		}
		return b, nil
	}
	return b, nil
}
