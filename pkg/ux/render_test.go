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
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
)

// =============================================================================
// OnSnapshot Tests
// =============================================================================

func TestStreamRenderer_SuffixDiff(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "Hel"})
	r.OnSnapshot(streaming.Snapshot{Answer: "Hello "})
	r.OnSnapshot(streaming.Snapshot{Answer: "Hello world"})

	if buf.String() != "Hello world" {
		t.Errorf("expected each suffix printed exactly once, got %q", buf.String())
	}
}

func TestStreamRenderer_UnchangedSnapshotPrintsNothing(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "Hello"})
	r.OnSnapshot(streaming.Snapshot{Answer: "Hello"})

	if buf.String() != "Hello" {
		t.Errorf("expected no re-emission for unchanged answer, got %q", buf.String())
	}
}

func TestStreamRenderer_RevisedAnswerStartsFreshLine(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "Hello world"})
	r.OnSnapshot(streaming.Snapshot{Answer: "boom"})

	if buf.String() != "Hello world\nboom" {
		t.Errorf("expected revised answer on a fresh line, got %q", buf.String())
	}
}

func TestStreamRenderer_InteractivePrintsBotPrefixOnce(t *testing.T) {
	withLevel(t, PersonalityFull)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "Hi"})
	r.OnSnapshot(streaming.Snapshot{Answer: "Hi there"})

	if strings.Count(buf.String(), "aleutian") != 1 {
		t.Errorf("expected exactly one bot prefix, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "Hi there") {
		t.Errorf("expected full answer in output, got %q", buf.String())
	}
}

// =============================================================================
// Finish Tests
// =============================================================================

func TestStreamRenderer_Finish_AfterStreamingAddsNewline(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "done"})
	r.Finish(&streaming.Result{Answer: "done"})

	if buf.String() != "done\n" {
		t.Errorf("expected a closing newline only, got %q", buf.String())
	}
}

func TestStreamRenderer_Finish_NonStreamingPrintsWholeAnswer(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.Finish(&streaming.Result{Answer: "full answer"})

	if buf.String() != "full answer\n" {
		t.Errorf("expected the whole answer, got %q", buf.String())
	}
}

func TestStreamRenderer_Finish_SourcesFooter(t *testing.T) {
	orig := GetPersonality()
	t.Cleanup(func() { SetPersonality(orig) })
	SetPersonality(Personality{Level: PersonalityMachine, ShowSources: true})

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "cited"})
	r.Finish(&streaming.Result{
		Answer: "cited",
		Attributes: streaming.Attributes{
			Sources: []streaming.Source{
				{Source: "docs/handbook.md", Score: 0.91},
				{Source: "docs/faq.md"},
			},
		},
	})

	out := buf.String()
	if !strings.Contains(out, "SOURCE: docs/handbook.md") {
		t.Errorf("expected first source line, got %q", out)
	}
	if !strings.Contains(out, "SOURCE: docs/faq.md") {
		t.Errorf("expected second source line, got %q", out)
	}
}

func TestStreamRenderer_Finish_SourcesSuppressed(t *testing.T) {
	orig := GetPersonality()
	t.Cleanup(func() { SetPersonality(orig) })
	SetPersonality(Personality{Level: PersonalityMachine, ShowSources: false})

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.Finish(&streaming.Result{
		Answer: "cited",
		Attributes: streaming.Attributes{
			Sources: []streaming.Source{{Source: "docs/handbook.md"}},
		},
	})

	if strings.Contains(buf.String(), "SOURCE") {
		t.Errorf("sources must be suppressed, got %q", buf.String())
	}
}

func TestStreamRenderer_Finish_UsageAndTruncation(t *testing.T) {
	orig := GetPersonality()
	t.Cleanup(func() { SetPersonality(orig) })
	SetPersonality(Personality{Level: PersonalityMachine, ShowUsage: true})

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	truncated := true
	r.Finish(&streaming.Result{
		Answer: "partial",
		Attributes: streaming.Attributes{
			Usage:     &streaming.Usage{InputTokens: 12, OutputTokens: 34},
			Truncated: truncated,
		},
	})

	out := buf.String()
	if !strings.Contains(out, "USAGE: 12 in, 34 out") {
		t.Errorf("expected usage footer, got %q", out)
	}
	if !strings.Contains(out, "truncated") {
		t.Errorf("expected truncation warning, got %q", out)
	}
}

func TestStreamRenderer_Finish_NilResult(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "abandoned"})
	r.Finish(nil)

	if buf.String() != "abandoned\n" {
		t.Errorf("expected printed text closed with newline, got %q", buf.String())
	}
}

// =============================================================================
// Fail Tests
// =============================================================================

func TestStreamRenderer_Fail_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.OnSnapshot(streaming.Snapshot{Answer: "Hello "})
	r.Fail(errors.New("stream interrupted"))

	if buf.String() != "Hello \nERROR: stream interrupted\n" {
		t.Errorf("unexpected failure output: %q", buf.String())
	}
}

func TestStreamRenderer_Fail_BeforeFirstToken(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	r := NewStreamRenderer(&buf)

	r.Fail(errors.New("connection refused"))

	if buf.String() != "ERROR: connection refused\n" {
		t.Errorf("expected error line without leading newline, got %q", buf.String())
	}
}

// =============================================================================
// RenderTranscript Tests
// =============================================================================

func TestRenderTranscript_MachineMode(t *testing.T) {
	withLevel(t, PersonalityMachine)

	var buf bytes.Buffer
	RenderTranscript(&buf, []chat.MessageRecord{
		{Role: chat.RoleUser, Answer: "hello"},
		{Role: chat.RoleBot, Answer: "hi there"},
	})

	expected := "user\thello\nbot\thi there\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}
}

func TestRenderTranscript_InteractivePrefixes(t *testing.T) {
	withLevel(t, PersonalityFull)

	var buf bytes.Buffer
	RenderTranscript(&buf, []chat.MessageRecord{
		{Role: chat.RoleUser, Answer: "what is the weather"},
		{Role: chat.RoleBot, Answer: "sunny"},
	})

	out := buf.String()
	if !strings.Contains(out, "you") {
		t.Errorf("expected user prefix, got %q", out)
	}
	if !strings.Contains(out, "aleutian") {
		t.Errorf("expected bot prefix, got %q", out)
	}
}
