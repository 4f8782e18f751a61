// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nixcast/nixcast/cmd/nixcast/cli"
	"github.com/nixcast/nixcast/lib/server"
)

func serveCommand() *cli.Command {
	var global globalFlags
	var listen string

	return &cli.Command{
		Name:    "serve",
		Summary: "Serve the local store as a binary cache",
		Description: `Run an HTTP binary cache over the local store until SIGINT or
SIGTERM.

The server answers the standard substituter surface: /nix-cache-info,
<digest>.narinfo metadata, and nar/<digest>.nar archive downloads with
optional on-the-fly compression selected by the URL extension. Records
are built fresh from store metadata on every request and signed with
the configured keys.

Serving prefers the store daemon but falls back to reading the store
database directly when no daemon is reachable, so it works on build
machines without a running daemon.`,
		Usage: "nixcast serve [flags]",
		Examples: []cli.Example{
			{
				Description: "Serve on the configured address",
				Command:     "nixcast serve",
			},
			{
				Description: "Serve on an explicit port",
				Command:     "nixcast serve --listen :9000",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.StringVar(&listen, "listen", "", "listen address (default from config)")
			return flagSet
		},
		Run: func(args []string) error {
			cfg, logger, err := global.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Serve.Listen = listen
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			secretKeys, err := cfg.SecretKeys()
			if err != nil {
				return err
			}

			srv := server.New(server.ServerConfig{
				Address: cfg.Serve.Listen,
				Handler: server.NewHandler(server.HandlerConfig{
					Store:      st,
					Priority:   cfg.Serve.Priority,
					SecretKeys: secretKeys,
					Logger:     logger,
				}),
				ShutdownTimeout: cfg.Serve.ShutdownTimeout.Std(),
				Logger:          logger,
			})
			return srv.Serve(ctx)
		},
	}
}
