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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/stackpilot/cmd/stackpilot/internal/stackspec"
	"github.com/AleutianAI/stackpilot/pkg/ux"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the secret store",
	}
	cmd.AddCommand(
		newSecretsSetCmd(),
		newSecretsRmCmd(),
		newSecretsLsCmd(),
	)
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	var fromStdin bool
	cmd := &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Create or update a secret",
		Long: "Create or update a secret. Pass the value as the second argument,\n" +
			"or pipe it with --stdin to keep it out of shell history.",
		Args: cobra.RangeArgs(1, 2),
		RunE: withApp(func(a *app, cmd *cobra.Command, args []string) error {
			name := args[0]
			var value string
			switch {
			case fromStdin:
				if len(args) == 2 {
					return fmt.Errorf("--stdin and a VALUE argument are mutually exclusive")
				}
				v, err := readSecretStdin(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = v
			case len(args) == 2:
				value = args[1]
			default:
				return fmt.Errorf("missing secret value; pass it as an argument or use --stdin")
			}

			if err := a.store.UpsertSecret(name, value); err != nil {
				return err
			}
			ux.Success("secret " + name + " stored")
			return nil
		}),
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the value from standard input")
	return cmd
}

func newSecretsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm NAME",
		Short: "Delete a secret",
		Args:  requireArg("secret name"),
		RunE: withApp(func(a *app, _ *cobra.Command, args []string) error {
			if err := a.store.DeleteSecret(args[0]); err != nil {
				return err
			}
			ux.Success("secret " + args[0] + " deleted")
			return nil
		}),
	}
}

// newSecretsLsCmd lists secret names only. Values never leave the store
// through the CLI.
func newSecretsLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List secret names",
		RunE: withApp(func(a *app, _ *cobra.Command, _ []string) error {
			names, err := a.store.SecretNames()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				ux.Info("no secrets stored")
				return nil
			}
			required := map[string]bool{}
			for _, name := range stackspec.CoreRequiredSecrets {
				required[name] = true
			}
			for _, name := range names {
				if required[name] {
					ux.Info(name + "  (core)")
				} else {
					ux.Info(name)
				}
			}
			return nil
		}),
	}
}

// readSecretStdin takes the first line of stdin as the value, so both
// `echo val |` and heredoc usage behave the same.
func readSecretStdin(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret from stdin: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", fmt.Errorf("empty secret value on stdin")
	}
	return value, nil
}
