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
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/cloud/azure"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/settings"
	"github.com/peacemakercq/az-ray/cmd/azray/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// BackendFactory builds the cloud backend and reports the subscription
// in use.
type BackendFactory func(ctx context.Context, s *settings.Settings, logger *slog.Logger) (cloud.Backend, string, error)

// cliOptions carries parsed flags and the process boundary, so tests can
// run commands without touching the real environment or Azure.
type cliOptions struct {
	verbose    int
	recreate   bool
	dryRun     bool
	configFile string
	address    string

	stdout     io.Writer
	stderr     io.Writer
	lookupEnv  func(string) (string, bool)
	newBackend BackendFactory
}

func newCLIOptions() *cliOptions {
	return &cliOptions{
		stdout:     os.Stdout,
		stderr:     os.Stderr,
		lookupEnv:  os.LookupEnv,
		newBackend: azureBackend,
	}
}

func azureBackend(ctx context.Context, s *settings.Settings, logger *slog.Logger) (cloud.Backend, string, error) {
	b, sub, err := azure.New(ctx, s, logger)
	if err != nil {
		return nil, "", err
	}
	return b, sub, nil
}

// execute runs the CLI and returns the process exit code.
func execute(ctx context.Context, args []string, opts *cliOptions) int {
	root := newRootCmd(opts)
	root.SetArgs(args)
	root.SetOut(opts.stdout)
	root.SetErr(opts.stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(opts.stderr, "azray: %v\n", err)
	}
	return util.ExitCodeFor(err)
}

// =============================================================================
// Commands
// =============================================================================

func newRootCmd(opts *cliOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "azray",
		Short: "Run a SOCKS5 proxy through a self-provisioned Azure v2ray server",
		Long: `azray provisions a v2ray server on Azure Container Instances,
runs a local v2ray client as a SOCKS5 proxy, and keeps both healthy.

Only domains in the routing policy are proxied; everything else goes
direct. The policy is reloaded when the domain file changes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "increase log verbosity (-v info, -vv debug)")
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML file layered under the environment")
	addRunFlags(root, opts)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Provision, start the proxy and supervise it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}
	addRunFlags(runCmd, opts)

	renderCmd := &cobra.Command{
		Use:   "render",
		Short: "Print the local proxy document for a given server address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRender(opts)
		},
	}
	renderCmd.Flags().StringVar(&opts.address, "address", "", "server address or FQDN to render against (required)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the azray version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "azray %s\n", version)
		},
	}

	root.AddCommand(runCmd, renderCmd, versionCmd)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &util.ConfigurationError{Err: err}
	})
	return root
}

func addRunFlags(cmd *cobra.Command, opts *cliOptions) {
	cmd.Flags().BoolVar(&opts.recreate, "recreate", false, "tear down and recreate the remote resources on this run")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "print planned resources and the proxy document, then exit")
}

// loadSettings reads the environment layered over the --config file.
func (o *cliOptions) loadSettings() (*settings.Settings, error) {
	return settings.Load(settings.LoadOptions{ConfigFile: o.configFile, LookupEnv: o.lookupEnv})
}
