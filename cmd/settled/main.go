// Copyright (C) 2025 Loopuman (engineering@loopuman.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command settled runs the Loopuman task settlement and reputation
// engine.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/loopuman/settled/services/engine/config"
)

// version is stamped by the release build.
var version = "dev"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "settled",
	Short: "Task settlement and reputation engine",
	Long: `settled escrows microtask rewards, settles accepted work with a
platform fee, and maintains soulbound per-identity reputation.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the settled version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("settled", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to settled.yaml (defaults apply when omitted)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("Error loading configuration: %v", err)
		}
		cfg = loaded
		if path := os.Getenv("SETTLED_ALLOW_LIST"); path != "" {
			cfg.Moderation.AllowListPath = path
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
