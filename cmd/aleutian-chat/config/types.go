// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the aleutian-chat CLI configuration from
// ~/.aleutian/chat.yaml, creating a commented default on first run.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

type ChatConfig struct {
	// Backend selects which chat transport the CLI talks to.
	Backend BackendConfig `yaml:"backend"`

	// Logging controls the structured log output of the CLI itself.
	Logging LoggingConfig `yaml:"logging"`

	// UX controls terminal presentation defaults.
	UX UXConfig `yaml:"ux"`
}

type BackendConfig struct {
	// Type can be "ollama", "openai", "anthropic", or "gateway".
	Type    string `yaml:"type" validate:"required,oneof=ollama openai anthropic gateway"`
	BaseURL string `yaml:"base_url,omitempty" validate:"omitempty,url"`
	Model   string `yaml:"model,omitempty"`

	// APIKeyEnv names the environment variable holding the credential.
	// Left empty, each backend falls back to its conventional variable
	// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ALEUTIAN_GATEWAY_TOKEN).
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty"`
	JSON  bool   `yaml:"json"`
}

type UXConfig struct {
	// Personality can be "full", "standard", "minimal", or "machine".
	// Empty means auto-detect from the terminal.
	Personality string `yaml:"personality,omitempty"`
	ShowSources bool   `yaml:"show_sources"`
	ShowUsage   bool   `yaml:"show_usage"`
}

var configValidate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the loaded config against its constraints.
func (c *ChatConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func DefaultConfig() ChatConfig {
	return ChatConfig{
		Backend: BackendConfig{
			Type:    "ollama",
			BaseURL: "http://localhost:11434",
			Model:   "llama3.1",
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.aleutian/logs",
			JSON:  false,
		},
		UX: UXConfig{
			ShowSources: true,
			ShowUsage:   false,
		},
	}
}
