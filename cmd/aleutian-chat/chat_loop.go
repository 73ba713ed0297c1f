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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/streaming"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/spf13/cobra"
)

// =============================================================================
// Input Abstraction
// =============================================================================

// InputReader abstracts line input so the loop can be tested without a
// terminal.
type InputReader interface {
	// ReadLine returns the next line without its trailing newline.
	// io.EOF signals end of input.
	ReadLine() (string, error)
}

// StdinReader reads lines from standard input.
type StdinReader struct {
	reader *bufio.Reader
}

func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// =============================================================================
// Chat Loop
// =============================================================================

// chatLoop drives one interactive session against a chat manager.
//
// Each iteration reads a line, dispatches it, and renders the streamed
// answer. Ctrl-C during a turn aborts that turn only; at the prompt it
// ends the session. The transcript stays consistent because the manager
// finalizes every turn with a bot message even on abort or failure.
type chatLoop struct {
	manager *chat.Manager
	bus     *events.Bus
	input   InputReader
	out     io.Writer
	stream  bool
}

func runChatCommand(cmd *cobra.Command, args []string) {
	manager, bus, err := newManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	loop := &chatLoop{
		manager: manager,
		bus:     bus,
		input:   NewStdinReader(),
		out:     os.Stdout,
		stream:  !noStream,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		ux.Error(fmt.Sprintf("chat session failed: %v", err))
		os.Exit(1)
	}
}

// Run executes the interactive loop until exit, EOF, or context
// cancellation.
func (l *chatLoop) Run(ctx context.Context) error {
	spin := ux.NewSpinner("connecting to backend")
	spin.Start()
	err := l.manager.Initialize(ctx)
	spin.Stop()
	if err != nil {
		return fmt.Errorf("backend unavailable: %w", err)
	}
	if limitation := l.manager.Limitation(); limitation != "" {
		ux.Warning(limitation)
	}

	unsubscribe := l.bus.Subscribe(events.EventActiveConversation, func(payload any) {
		if id, ok := payload.(string); ok && id != chat.TempConversationID {
			ux.Muted(fmt.Sprintf("conversation %s", id))
		}
	})
	defer unsubscribe()

	ux.Title("Aleutian Chat")
	ux.Muted("Type a message and press enter. 'exit' quits, '/new' starts over, '/history' reprints the transcript.")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fmt.Fprintf(l.out, "\n%s ", ux.Styles.UserPrefix.Render())
		line, err := l.input.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(l.out)
				return nil
			}
			return fmt.Errorf("input failed: %w", err)
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case isExitCommand(input):
			ux.Muted("Goodbye.")
			return nil
		case input == "/history":
			ux.RenderTranscript(l.out, l.manager.ActiveMessages())
			continue
		case input == "/new":
			if err := l.manager.NewConversation(); err != nil {
				ux.Error(err.Error())
			} else {
				ux.Muted("Started a new conversation.")
			}
			continue
		case input == "/id":
			l.printConversationID()
			continue
		}

		l.sendTurn(ctx, input)
	}
}

// sendTurn dispatches one message. SIGINT while the request is in
// flight cancels only this turn.
func (l *chatLoop) sendTurn(ctx context.Context, message string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-turnCtx.Done():
		}
	}()

	spin := ux.NewSpinner("thinking")
	spin.Start()

	renderer := ux.NewStreamRenderer(l.out)
	firstToken := false
	onProgress := func(s streaming.Snapshot) {
		if !firstToken {
			firstToken = true
			spin.Stop()
		}
		renderer.OnSnapshot(s)
	}

	result, err := l.manager.SendMessage(turnCtx, chat.SendOptions{
		Message:    message,
		Stream:     l.stream,
		OnProgress: onProgress,
	})
	spin.Stop()

	switch {
	case err == nil:
		renderer.Finish(messageResultToStream(result))
	case isAbort(err):
		renderer.Fail(errors.New("turn aborted"))
	default:
		renderer.Fail(err)
	}
}

func (l *chatLoop) printConversationID() {
	if l.manager.IsTemporaryConversation() || l.manager.ActiveConversationID() == "" {
		ux.Muted("no server-assigned conversation yet")
		return
	}
	ux.Info(l.manager.ActiveConversationID())
}

// messageResultToStream adapts a finished turn for the renderer.
func messageResultToStream(result *chat.MessageResult) *streaming.Result {
	if result == nil {
		return nil
	}
	return &streaming.Result{
		MessageID:      result.MessageID,
		ConversationID: result.ConversationID,
		Answer:         result.Answer,
		Attributes:     result.Attributes,
	}
}

func isAbort(err error) bool {
	var abort *chat.AbortError
	return errors.As(err, &abort)
}

// isExitCommand checks whether the input ends the session.
func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", "/exit", "/quit":
		return true
	}
	return false
}
