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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/srcsession/services/srcsession"
	"github.com/AleutianAI/srcsession/services/srcsession/config"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// newRootCmd builds the command tree. Each call returns a fresh tree so
// tests can execute commands in isolation.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "srcsession",
		Short: "Editor sessions over remote source members",
		Long: `srcsession opens remote source members into a local cache, guards
them with exclusive lock markers, writes them back on save and queues
remote compiles. The serve command exposes this over HTTP.`,
		SilenceUsage: true,
		Version:      srcsession.ServiceVersion,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"settings YAML file (SRCSESSION_* variables override it)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level override: debug, info, warn or error")

	// --- Server ---
	root.AddCommand(newServeCmd(opts))

	// --- Tools ---
	root.AddCommand(newClassifyCmd())
	root.AddCommand(newCommandsCmd(opts))

	// --- Lock board ---
	locks := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and prune exclusive lock markers",
	}
	locks.AddCommand(newLocksListCmd(opts))
	locks.AddCommand(newLocksCleanupCmd(opts))
	root.AddCommand(locks)

	return root
}

// loadSettings reads the settings named by --config and applies --log-level.
func (o *rootOptions) loadSettings(cmd *cobra.Command) (config.Settings, error) {
	settings, err := config.LoadSettings(cmd.Context(), o.configPath)
	if err != nil {
		return config.Settings{}, err
	}
	if o.logLevel != "" {
		settings.Logging.Level = o.logLevel
		if err := settings.Validate(); err != nil {
			return config.Settings{}, fmt.Errorf("--log-level: %w", err)
		}
	}
	return settings, nil
}
