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
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian-chat/config"
	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/events"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/AleutianAI/AleutianChat/services/backends"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	backendType      string
	baseURL          string
	modelName        string
	noStream         bool
	showUsage        bool
	personalityLevel string // UX personality level (full/standard/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "aleutian-chat",
		Short: "A cli to chat with Aleutian-compatible model backends",
		Long: `aleutian-chat talks to a local or remote model backend (Ollama,
				OpenAI, Anthropic, or an Aleutian gateway), streams answers to
				the terminal, and keeps the conversation transcript consistent
				across aborted and failed turns.`,
	}

	// --- Chat ---
	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Starts an interactive chat session",
		Run:   runChatCommand, // Defined in chat_loop.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Asks a single question and prints the answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand,
	}

	backendsCmd = &cobra.Command{
		Use:   "backends",
		Short: "List the supported backend types",
		Run:   runBackendsCommand,
	}
)

// init runs when the Go program starts
func init() {
	// Global UX personality flag
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default), standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().StringVar(&backendType, "backend", "",
		"Chat backend (ollama, openai, anthropic, gateway). Overrides the config file.")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "",
		"Backend base URL. Overrides the config file.")
	rootCmd.PersistentFlags().StringVar(&modelName, "model", "",
		"Model name to chat with. Overrides the config file.")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().BoolVar(&noStream, "no-stream", false,
		"Wait for the complete answer instead of streaming tokens")
	chatCmd.Flags().BoolVar(&showUsage, "usage", false,
		"Print token usage after each answer")

	rootCmd.AddCommand(askCmd)
	askCmd.Flags().BoolVar(&noStream, "no-stream", false,
		"Wait for the complete answer instead of streaming tokens")
	askCmd.Flags().BoolVar(&showUsage, "usage", false,
		"Print token usage after the answer")

	rootCmd.AddCommand(backendsCmd)
}

// newTransport builds the chat transport selected by flags and config.
func newTransport() (chat.Transport, error) {
	cfg := config.Global.Backend
	if backendType != "" {
		cfg.Type = backendType
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if modelName != "" {
		cfg.Model = modelName
	}

	switch cfg.Type {
	case "ollama":
		url := cfg.BaseURL
		if url == "" {
			url = "http://localhost:11434"
		}
		return backends.NewOllamaTransport(url, cfg.Model), nil
	case "openai":
		key := credential(cfg.APIKeyEnv, "OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("openai backend requires an API key in $%s", envName(cfg.APIKeyEnv, "OPENAI_API_KEY"))
		}
		return backends.NewOpenAITransport(key, cfg.Model, cfg.BaseURL), nil
	case "anthropic":
		key := credential(cfg.APIKeyEnv, "ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("anthropic backend requires an API key in $%s", envName(cfg.APIKeyEnv, "ANTHROPIC_API_KEY"))
		}
		return backends.NewAnthropicTransport(key, cfg.Model, cfg.BaseURL), nil
	case "gateway":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("gateway backend requires base_url in the config or --base-url")
		}
		token := credential(cfg.APIKeyEnv, "ALEUTIAN_GATEWAY_TOKEN")
		return backends.NewGatewayTransport(cfg.BaseURL, token), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}

// newManager wires the transport, store, and event bus together.
func newManager() (*chat.Manager, *events.Bus, error) {
	transport, err := newTransport()
	if err != nil {
		return nil, nil, err
	}
	bus := events.NewBus()
	return chat.NewManager(transport, chat.NewStore(), bus), bus, nil
}

func credential(envVar, fallback string) string {
	return os.Getenv(envName(envVar, fallback))
}

func envName(envVar, fallback string) string {
	if envVar != "" {
		return envVar
	}
	return fallback
}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")

	manager, _, err := newManager()
	if err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := manager.Initialize(ctx); err != nil {
		ux.Error(fmt.Sprintf("backend unavailable: %v", err))
		os.Exit(1)
	}
	if limitation := manager.Limitation(); limitation != "" {
		ux.Warning(limitation)
	}

	renderer := ux.NewStreamRenderer(os.Stdout)
	result, err := manager.SendMessage(ctx, chat.SendOptions{
		Message:    question,
		Stream:     !noStream,
		OnProgress: renderer.OnSnapshot,
	})
	if err != nil {
		renderer.Fail(err)
		os.Exit(1)
	}
	renderer.Finish(messageResultToStream(result))
}

func runBackendsCommand(cmd *cobra.Command, args []string) {
	ux.Title("Supported backends")
	for _, line := range []string{
		"ollama     local Ollama server (default http://localhost:11434)",
		"openai     OpenAI-compatible API ($OPENAI_API_KEY)",
		"anthropic  Anthropic Messages API ($ANTHROPIC_API_KEY)",
		"gateway    Aleutian orchestrator gateway ($ALEUTIAN_GATEWAY_TOKEN)",
	} {
		ux.Info(line)
	}
}
