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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/srcsession/services/srcsession"
	"github.com/AleutianAI/srcsession/services/srcsession/compile"
	"github.com/AleutianAI/srcsession/services/srcsession/config"
	"github.com/AleutianAI/srcsession/services/srcsession/identity"
	"github.com/AleutianAI/srcsession/services/srcsession/language"
	"github.com/AleutianAI/srcsession/services/srcsession/lock"
)

// errNoBoard is returned when the configured marker backend cannot list.
var errNoBoard = errors.New("marker backend does not support listing")

// =============================================================================
// classify
// =============================================================================

func newClassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify EXTENSION...",
		Short: "Print the language bound to each member type or file suffix",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, ext := range args {
				fmt.Fprintf(w, "%s\t%s\n", ext, language.Classify(ext))
			}
			return w.Flush()
		},
	}
}

// =============================================================================
// commands
// =============================================================================

func newCommandsCmd(opts *rootOptions) *cobra.Command {
	var member string

	cmd := &cobra.Command{
		Use:   "commands [EXTENSION]",
		Short: "List compile commands, for one extension or all of them",
		Long: `Lists the compile commands of the loaded registry. With --member the
templates are expanded for that member, showing the exact command a
compile would send.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := opts.loadSettings(cmd)
			if err != nil {
				return err
			}
			registry, err := loadRegistry(cmd, settings)
			if err != nil {
				return err
			}

			var id *identity.Identity
			if member != "" {
				parsed, err := parseMember(member, args)
				if err != nil {
					return err
				}
				id = &parsed
			}

			exts := registry.Extensions()
			if len(args) == 1 {
				exts = []string{strings.ToUpper(args[0])}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "source: %s\n", registry.Source())
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, ext := range exts {
				cmds := registry.CommandsForExtension(ext)
				def := registry.ExtensionDefault(ext)
				if id != nil {
					cmds = registry.CommandsFor(*id)
					def, _ = registry.DefaultCommand(*id)
				}
				if len(cmds) == 0 {
					fmt.Fprintf(w, "%s\t(compile disabled)\t\t\n", ext)
					continue
				}
				if def == "" {
					def = cmds[0]
				}
				for _, name := range cmds {
					mark := ""
					if name == def {
						mark = "*"
					}
					detail, _ := registry.Template(name)
					if id != nil {
						detail = compile.Expand(detail, *id)
					}
					fmt.Fprintf(w, "%s\t%s%s\t%s\t%s\n", ext, name, mark, registry.Scope(name), detail)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&member, "member", "",
		"expand templates for LIB/FILE/MBR (the extension comes from the argument)")
	return cmd
}

func loadRegistry(cmd *cobra.Command, settings config.Settings) (*config.CompileRegistry, error) {
	if settings.CompileCommandsFile != "" {
		return config.LoadCompileRegistry(cmd.Context(), settings.CompileCommandsFile)
	}
	return config.GetCompileRegistry(cmd.Context())
}

// parseMember parses LIB/FILE/MBR. The member type is the single
// extension argument.
func parseMember(s string, args []string) (identity.Identity, error) {
	if len(args) != 1 {
		return identity.Identity{}, fmt.Errorf("--member needs an EXTENSION argument")
	}
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return identity.Identity{}, fmt.Errorf("%w: --member must be LIB/FILE/MBR, got %q",
			identity.ErrInvalidIdentity, s)
	}
	return identity.NewMember(parts[0], parts[1], parts[2], args[0])
}

// =============================================================================
// locks
// =============================================================================

func newLocksListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lock markers on the configured board",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd, opts, func(board lock.Board) error {
				markers, err := board.List(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if markers == nil {
						markers = []lock.MarkerInfo{}
					}
					return enc.Encode(markers)
				}
				if len(markers) == 0 {
					fmt.Fprintln(out, "no lock markers")
					return nil
				}
				host := lock.Hostname()
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tSESSION\tHOST\tPID\tLOCKED\tSTALE")
				for i := range markers {
					m := &markers[i]
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%t\n",
						m.Key, m.SessionID, m.Host, m.PID,
						m.LockedAt.Format(time.RFC3339), m.IsStale(host))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print markers as JSON")
	return cmd
}

func newLocksCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove markers whose holder is gone or expired",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBoard(cmd, opts, func(board lock.Board) error {
				n, err := board.CleanupStaleMarkers(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale marker(s)\n", n)
				return nil
			})
		},
	}
}

// withBoard opens the configured marker backend for fn and closes it after.
func withBoard(cmd *cobra.Command, opts *rootOptions, fn func(lock.Board) error) (err error) {
	settings, err := opts.loadSettings(cmd)
	if err != nil {
		return err
	}
	marker, closeMarker, err := srcsession.OpenMarker(settings, nil)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeMarker())
	}()

	board, ok := marker.(lock.Board)
	if !ok {
		return errNoBoard
	}
	return fn(board)
}
