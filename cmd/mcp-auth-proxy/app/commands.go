// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line surface of the MCP auth proxy.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-auth-proxy/pkg/authserver"
	"github.com/stacklok/mcp-auth-proxy/pkg/config"
	"github.com/stacklok/mcp-auth-proxy/pkg/kv"
	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
	"github.com/stacklok/mcp-auth-proxy/pkg/proxy"
	"github.com/stacklok/mcp-auth-proxy/pkg/server"
	"github.com/stacklok/mcp-auth-proxy/pkg/supervisor"
	"github.com/stacklok/mcp-auth-proxy/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "mcp-auth-proxy",
	DisableAutoGenTag: true,
	Short:             "Authorizing reverse proxy for MCP servers",
	Long: `mcp-auth-proxy sits in front of an MCP server and handles OAuth for it.

Downstream it is a full OAuth 2.1 authorization server with dynamic client
registration, PKCE and refresh tokens. Upstream it is an OAuth client of a
configured identity provider. Requests carrying a valid proxy-issued access
token are relayed to the MCP server with the user's upstream token attached.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the mcp-auth-proxy CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the auth proxy",
		Long: `Start the auth proxy. All configuration is read from the environment;
see the README for the variable reference. When RUN_COMMAND is set the
upstream MCP server is spawned and supervised, and the listener only opens
once the upstream answers HTTP.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			if jsonOutput {
				fmt.Printf(`{"version":%q,"commit":%q,"build_date":%q,"go_version":%q,"platform":%q}
`, info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
				return
			}
			fmt.Printf("mcp-auth-proxy %s\n", info.Version)
			fmt.Printf("Commit: %s\n", info.Commit)
			fmt.Printf("Built: %s\n", info.BuildDate)
			fmt.Printf("Go version: %s\n", info.GoVersion)
			fmt.Printf("Platform: %s\n", info.Platform)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("kv store setup failed: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("closing kv store", "error", err.Error())
		}
	}()

	// Spawn the upstream before binding the listener so the first proxied
	// request never races the child's startup.
	var sup *supervisor.Supervisor
	if cfg.Upstream.RunCommand != "" {
		sup = supervisor.New(cfg.Upstream)
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("starting upstream process: %w", err)
		}
		defer sup.Stop()
	}

	auth, err := authserver.New(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("building authorization server: %w", err)
	}

	proxyHandler := proxy.New(cfg, auth.Storage, auth.Upstream, auth.Keys)
	srv := server.New(cfg, auth, proxyHandler, store)

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run(ctx)
	}()

	if sup != nil {
		select {
		case err := <-sup.Done():
			cancel()
			<-runErr
			if err != nil {
				return fmt.Errorf("upstream process exited: %w", err)
			}
			return fmt.Errorf("upstream process exited unexpectedly")
		case err := <-runErr:
			return err
		}
	}

	return <-runErr
}

// newStore picks the KV backend: Redis when KV_URL is set, otherwise an
// in-process store that loses all state on restart.
func newStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	if cfg.KV.URL == "" {
		if cfg.IsProduction() {
			logger.Warnw("no KV_URL configured, using in-memory store",
				"hint", "sessions and tokens will not survive restarts",
			)
		}
		return kv.NewMemoryStore(), nil
	}
	return kv.NewRedisStore(ctx, cfg.KV.URL, cfg.KV.Prefix, storeOptions(cfg)...)
}

// storeOptions maps config onto Redis connection options. LOCAL_INSECURE is
// the explicit opt-out from the remote-stores-need-TLS rule.
func storeOptions(cfg *config.Config) []kv.RedisOption {
	var opts []kv.RedisOption
	if cfg.LocalInsecure {
		opts = append(opts, kv.WithPlaintextAllowed())
	}
	return opts
}
