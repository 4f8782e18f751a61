// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/nixcast/nixcast/cmd/nixcast/cli"
	"github.com/nixcast/nixcast/lib/config"
	"github.com/nixcast/nixcast/lib/localstore"
	"github.com/nixcast/nixcast/lib/remote"
	"github.com/nixcast/nixcast/lib/store"
	"github.com/nixcast/nixcast/lib/transfer"
)

// globalFlags are accepted by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func (g *globalFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "config file (default "+config.DefaultPath+", or $"+config.EnvVar+")")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
}

// load resolves, loads, and validates the configuration, and builds
// the root logger at the configured (or --verbose-raised) level.
func (g *globalFlags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(config.Path(g.configPath))
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	level := cfg.LogLevel()
	if g.verbose {
		level = slog.LevelDebug
	}
	return cfg, cli.NewLogger(level), nil
}

// openStore opens the local store for serving and inspecting. Daemon
// mode is preferred when configured; an unreachable daemon falls back
// to direct database reads, which is enough for those read-only
// surfaces. Push and pull must use openDaemon instead.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (localstore.Store, error) {
	if cfg.Store.UseLocalDaemon {
		st, err := localstore.DialDaemon(ctx, localstore.DaemonConfig{
			StoreDir:   cfg.Store.Dir,
			SocketPath: cfg.Store.DaemonSocket,
			Logger:     logger,
		})
		if err == nil {
			return st, nil
		}
		if !errors.Is(err, localstore.ErrDaemonUnavailable) {
			return nil, err
		}
		logger.Warn("store daemon unavailable, falling back to direct database reads",
			"socket", cfg.Store.DaemonSocket)
	}
	return localstore.OpenDirect(localstore.DirectConfig{
		StoreDir:     cfg.Store.Dir,
		DatabasePath: cfg.Store.Database,
		Logger:       logger,
	})
}

// openDaemon connects to the store daemon, the only authoritative
// source of reference data and the only import path. Push and pull
// refuse to run without it; there is no direct-mode fallback here.
func openDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*localstore.DaemonStore, error) {
	if !cfg.Store.UseLocalDaemon {
		return nil, fmt.Errorf("store.use_local_daemon is disabled: %w", localstore.ErrDaemonUnavailable)
	}
	return localstore.DialDaemon(ctx, localstore.DaemonConfig{
		StoreDir:   cfg.Store.Dir,
		SocketPath: cfg.Store.DaemonSocket,
		Logger:     logger,
	})
}

// openRemotes connects a backend for each descriptor. Descriptors that
// match a configured remote inherit its compression setting. On any
// failure the already-opened backends are closed.
func openRemotes(ctx context.Context, cfg *config.Config, descriptors []string, logger *slog.Logger) ([]remote.Backend, error) {
	backends := make([]remote.Backend, 0, len(descriptors))
	for _, descriptor := range descriptors {
		backend, err := remote.Open(ctx, descriptor, remote.Options{
			StoreDir:    cfg.Store.Dir,
			Compression: remoteCompression(cfg, descriptor),
			Priority:    cfg.Serve.Priority,
			Logger:      logger,
		})
		if err != nil {
			closeBackends(backends)
			return nil, fmt.Errorf("remote %s: %w", descriptor, err)
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

func remoteCompression(cfg *config.Config, descriptor string) string {
	for _, rc := range cfg.Remotes {
		if rc.URL == descriptor {
			return rc.Compression
		}
	}
	return ""
}

func closeBackends(backends []remote.Backend) {
	for _, backend := range backends {
		backend.Close()
	}
}

// parseStorePaths validates the positional arguments as store paths.
// Both absolute paths and bare "<digest>-<name>" basenames are
// accepted; basenames are resolved against the configured store
// directory.
func parseStorePaths(storeDir string, args []string) ([]store.Path, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one store path is required")
	}
	paths := make([]store.Path, 0, len(args))
	for _, arg := range args {
		absolute := arg
		if !strings.HasPrefix(arg, "/") {
			absolute = storeDir + "/" + arg
		}
		path, err := store.ParsePath(storeDir, absolute)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// transferConfig assembles the engine configuration from the loaded
// config and the per-command flag overrides. Zero overrides defer to
// the config, which in turn defers to the engine defaults.
func transferConfig(cfg *config.Config, jobs int, logger *slog.Logger) transfer.Config {
	if jobs <= 0 {
		jobs = cfg.Sync.Jobs
	}
	return transfer.Config{
		StoreDir:    cfg.Store.Dir,
		Workers:     jobs,
		MaxAttempts: cfg.Sync.Attempts,
		Logger:      logger,
	}
}

// printReport renders the per-path per-remote outcome table, then a
// one-line summary. Failed outcomes carry their error in the last
// column.
func printReport(w io.Writer, report *transfer.Report) {
	tw := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "PATH\tREMOTE\tSTATUS\t\n")
	for _, outcome := range report.Outcomes {
		detail := ""
		if outcome.Err != nil {
			detail = outcome.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", outcome.Path, outcome.Remote, outcome.Status, detail)
	}
	tw.Flush()

	transferred, present, failed := report.Counts()
	fmt.Fprintf(w, "\n%d transferred, %d already present, %d failed\n", transferred, present, failed)
}
