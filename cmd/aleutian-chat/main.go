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
	"log"
	"os"

	"github.com/AleutianAI/AleutianChat/cmd/aleutian-chat/config"
	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/spf13/cobra"
)

var logger *logging.Logger

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
	if logger != nil {
		logger.Close()
	}
}

func init() {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if err := config.Load(); err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}

		// Personality precedence: flag, then environment, then config.
		switch {
		case personalityLevel != "":
			ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
		case os.Getenv("ALEUTIAN_PERSONALITY") != "":
			ux.InitPersonality()
		case config.Global.UX.Personality != "":
			ux.SetPersonalityLevel(ux.ParsePersonalityLevel(config.Global.UX.Personality))
		default:
			ux.InitPersonality()
		}
		p := ux.GetPersonality()
		p.ShowSources = config.Global.UX.ShowSources
		p.ShowUsage = config.Global.UX.ShowUsage || showUsage
		ux.SetPersonality(p)

		logger = logging.New(logging.Config{
			Level:   logging.ParseLevel(config.Global.Logging.Level),
			LogDir:  config.Global.Logging.Dir,
			Service: "aleutian-chat",
			JSON:    config.Global.Logging.JSON,
			Quiet:   p.Level == ux.PersonalityMachine,
		})
		logger.InstallDefault()
	}
}
