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
	"github.com/nixcast/nixcast/lib/closure"
	"github.com/nixcast/nixcast/lib/config"
	"github.com/nixcast/nixcast/lib/transfer"
)

func addCommand() *cli.Command {
	var global globalFlags
	var to []string
	var jobs int
	var timeout time.Duration

	return &cli.Command{
		Name:    "add",
		Summary: "Push closures to remote caches",
		Description: `Push the full reference closure of the given store paths to one or
more remote caches.

The closure is resolved locally, already-present paths are skipped,
and the rest are uploaded dependencies-first so a cache never exposes
a path whose references are missing. Remotes come from the
configuration unless --to names others. When signing keys are
configured, every pushed path is signed.

The per-path per-remote outcome table is printed at the end; the exit
code is 1 when any path failed anywhere.`,
		Usage: "nixcast add <store-path>... [flags]",
		Examples: []cli.Example{
			{
				Description: "Push a closure to the configured remotes",
				Command:     "nixcast add /nix/store/b6gvzjyb2pg0kjfwrjmg1vfhpfs2bsqx-hello-2.12.2",
			},
			{
				Description: "Push to a local filesystem cache with explicit parallelism",
				Command:     "nixcast add --to file:///var/cache/nixcast --jobs 8 /nix/store/...-hello-2.12.2",
			},
			{
				Description: "Push straight into another machine's store",
				Command:     "nixcast add --to ssh://builder@cache.internal /nix/store/...-hello-2.12.2",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
			global.register(flagSet)
			flagSet.StringArrayVar(&to, "to", nil, "remote to push to (repeatable; overrides configured remotes)")
			flagSet.IntVar(&jobs, "jobs", 0, "concurrent uploads per remote (default from config)")
			flagSet.DurationVar(&timeout, "timeout", 0, "bound for the whole operation (default from config)")
			return flagSet
		},
		Run: func(args []string) error {
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

			descriptors := to
			if len(descriptors) == 0 {
				for _, rc := range cfg.Remotes {
					descriptors = append(descriptors, rc.URL)
				}
			}
			if len(descriptors) == 0 {
				return fmt.Errorf("no remotes: pass --to or configure remotes in %s", config.Path(global.configPath))
			}

			src, err := openDaemon(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			cl, err := closure.Resolve(ctx, src, roots)
			if err != nil {
				return fmt.Errorf("resolving closure: %w", err)
			}
			logger.Info("closure resolved",
				"roots", len(roots),
				"paths", len(cl.Paths),
				"nar_bytes", cl.TotalNarSize())

			backends, err := openRemotes(ctx, cfg, descriptors, logger)
			if err != nil {
				return err
			}
			defer closeBackends(backends)

			engineCfg := transferConfig(cfg, jobs, logger)
			engineCfg.SecretKeys, err = cfg.SecretKeys()
			if err != nil {
				return err
			}

			report := transfer.Push(ctx, engineCfg, src, cl, backends)
			printReport(os.Stdout, report)
			if report.Failed() {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

// withOperationTimeout applies the flag-level timeout, falling back to
// the configured one. Zero means no deadline.
func withOperationTimeout(ctx context.Context, flagTimeout, configTimeout time.Duration) (context.Context, context.CancelFunc) {
	timeout := flagTimeout
	if timeout <= 0 {
		timeout = configTimeout
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
