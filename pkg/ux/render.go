// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// StreamRenderer prints a streaming answer incrementally.
//
// It consumes answer snapshots and writes only the unseen suffix, so
// delta streams appear token by token. When a snapshot does not extend
// what was already printed (a backend resent a revised answer), the
// renderer starts a fresh line with the full text rather than trying to
// unprint.
//
// Safe for use as a progress callback: methods lock internally and a
// renderer never panics into its caller on a write failure.
type StreamRenderer struct {
	w           io.Writer
	personality PersonalityLevel

	mu      sync.Mutex
	printed string
	started bool
}

// NewStreamRenderer creates a renderer writing to w with the current
// personality.
func NewStreamRenderer(w io.Writer) *StreamRenderer {
	return &StreamRenderer{
		w:           w,
		personality: GetPersonality().Level,
	}
}

// OnSnapshot writes the part of the answer not yet shown. Intended to be
// passed as the progress callback for a send.
func (r *StreamRenderer) OnSnapshot(s streaming.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		r.started = true
		if r.personality != PersonalityMachine {
			fmt.Fprintf(r.w, "%s ", Styles.BotPrefix.Render())
		}
	}

	if strings.HasPrefix(s.Answer, r.printed) {
		fmt.Fprint(r.w, s.Answer[len(r.printed):])
	} else {
		// Revised answer: restart on a fresh line.
		fmt.Fprintf(r.w, "\n%s", s.Answer)
	}
	r.printed = s.Answer
}

// Finish closes the answer line and prints attribute footers.
func (r *StreamRenderer) Finish(result *streaming.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Non-streaming sends never hit OnSnapshot; print the whole answer.
	if result != nil && result.Answer != r.printed {
		if !r.started && r.personality != PersonalityMachine {
			fmt.Fprintf(r.w, "%s ", Styles.BotPrefix.Render())
		}
		if strings.HasPrefix(result.Answer, r.printed) {
			fmt.Fprint(r.w, result.Answer[len(r.printed):])
		} else {
			fmt.Fprintf(r.w, "\n%s", result.Answer)
		}
		r.printed = result.Answer
	}
	fmt.Fprintln(r.w)

	if result == nil {
		return
	}
	p := GetPersonality()
	if p.ShowSources && len(result.Attributes.Sources) > 0 {
		r.printSources(result.Attributes.Sources)
	}
	if p.ShowUsage && result.Attributes.Usage != nil {
		u := result.Attributes.Usage
		if r.personality == PersonalityMachine {
			fmt.Fprintf(r.w, "USAGE: %d in, %d out\n", u.InputTokens, u.OutputTokens)
		} else {
			fmt.Fprintln(r.w, Styles.Muted.Render(
				fmt.Sprintf("tokens: %d in, %d out", u.InputTokens, u.OutputTokens)))
		}
	}
	if result.Attributes.Truncated {
		if r.personality == PersonalityMachine {
			fmt.Fprintln(r.w, "WARN: answer truncated")
		} else {
			fmt.Fprintln(r.w, Styles.Warning.Render("answer truncated by the backend"))
		}
	}
}

// Fail closes the answer line after a failed send.
func (r *StreamRenderer) Fail(err error) {
	r.mu.Lock()
	if r.started {
		fmt.Fprintln(r.w)
	}
	r.mu.Unlock()

	if r.personality == PersonalityMachine {
		fmt.Fprintf(r.w, "ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(r.w, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

func (r *StreamRenderer) printSources(sources []streaming.Source) {
	if r.personality == PersonalityMachine {
		for _, s := range sources {
			fmt.Fprintf(r.w, "SOURCE: %s\n", s.Source)
		}
		return
	}
	fmt.Fprintln(r.w, Styles.Muted.Render("sources:"))
	for _, s := range sources {
		line := fmt.Sprintf("  %s %s", IconArrow, s.Source)
		if s.Score > 0 {
			line = fmt.Sprintf("%s (%.2f)", line, s.Score)
		}
		fmt.Fprintln(r.w, Styles.Muted.Render(line))
	}
}

// RenderTranscript writes a conversation transcript with role prefixes.
func RenderTranscript(w io.Writer, messages []chat.MessageRecord) {
	machine := GetPersonality().Level == PersonalityMachine
	for _, msg := range messages {
		switch {
		case machine:
			fmt.Fprintf(w, "%s\t%s\n", msg.Role, msg.Answer)
		case msg.Role == chat.RoleUser:
			fmt.Fprintf(w, "%s %s\n", Styles.UserPrefix.Render(), msg.Answer)
		default:
			fmt.Fprintf(w, "%s %s\n", Styles.BotPrefix.Render(), msg.Answer)
		}
	}
}
