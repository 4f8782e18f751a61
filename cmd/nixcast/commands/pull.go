// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/nixcast/nixcast/cmd/nixcast/cli"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/transfer"
)

func pullCommand() *cli.Command {
	var global globalFlags
	var from string
	var jobs int
	var timeout time.Duration

	return &cli.Command{
		Name:    "pull",
		Summary: "Fetch a closure from a remote cache",
		Description: `Fetch the full reference closure of the given store paths from one
remote cache into the local store.

The closure is resolved from the remote's metadata records,
already-present paths are skipped, and the rest are imported through
the local store daemon dependencies-first. With require_signatures
enabled, paths without a signature from a trusted key are rejected
before any bytes are imported.`,
		Usage: "nixcast pull --from <uri> <store-path>... [flags]",
		Examples: []cli.Example{
			{
				Description: "Fetch a closure from an HTTP cache",
				Command:     "nixcast pull --from https://cache.example.org /nix/store/...-hello-2.12.2",
			},
			{
				Description: "Fetch from a filesystem cache on shared storage",
				Command:     "nixcast pull --from file:///var/cache/nixcast /nix/store/...-hello-2.12.2",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("pull", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.StringVar(&from, "from", "", "remote to fetch from (required)")
			flagSet.IntVar(&jobs, "jobs", 0, "concurrent downloads (default from config)")
			flagSet.DurationVar(&timeout, "timeout", 0, "bound for the whole operation (default from config)")
			return flagSet
		},
		Run: func(args []string) error {
			if from == "" {
				return fmt.Errorf("--from is required")
			}

			cfg, logger, err := global.load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancelTimeout := withOperationTimeout(ctx, timeout, cfg.Sync.Timeout.Std())
			defer cancelTimeout()

			roots, err := parseStorePaths(cfg.Store.Dir, args)
			if err != nil {
				return err
			}

			dst, err := openDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer dst.Close()

			source, err := remote.Open(ctx, from, remote.Options{
				StoreDir:    cfg.Store.Dir,
				Compression: remoteCompression(cfg, from),
				Logger:      logger,
			})
			if err != nil {
				return fmt.Errorf("remote %s: %w", from, err)
			}
			defer source.Close()

			engineCfg := transferConfig(cfg, jobs, logger)
			engineCfg.RequireSignature = cfg.Keys.RequireSignatures
			engineCfg.TrustedKeys, err = cfg.TrustedKeys()
			if err != nil {
				return err
			}

			report, err := transfer.Pull(ctx, engineCfg, dst, source, roots)
			if err != nil {
				return fmt.Errorf("pull from %s: %w", from, err)
			}
			printReport(os.Stdout, report)
			if report.Failed() {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
