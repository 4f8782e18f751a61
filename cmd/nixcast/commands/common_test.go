// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nixcast/nixcast/lib/config"
	"github.com/nixcast/nixcast/lib/localstore"
	"github.com/nixcast/nixcast/lib/transfer"
)

const testStoreDir = "/nix/store"

func TestParseStorePaths(t *testing.T) {
	t.Parallel()

	digest := strings.Repeat("a", 32)

	paths, err := parseStorePaths(testStoreDir, []string{
		"/nix/store/" + digest + "-hello-2.12.2",
		digest + "-glibc-2.39",
	})
	if err != nil {
		t.Fatalf("parseStorePaths() error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("parseStorePaths() returned %d paths, want 2", len(paths))
	}
	if got := paths[0].Name(); got != "hello-2.12.2" {
		t.Errorf("paths[0].Name() = %q, want %q", got, "hello-2.12.2")
	}
	if got := paths[1].Base(); got != digest+"-glibc-2.39" {
		t.Errorf("paths[1].Base() = %q, want %q", got, digest+"-glibc-2.39")
	}
}

func TestParseStorePathsRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"wrong store dir", []string{"/opt/store/" + strings.Repeat("a", 32) + "-hello"}},
		{"bad digest", []string{"/nix/store/tooshort-hello"}},
		{"no name", []string{"/nix/store/" + strings.Repeat("a", 32)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseStorePaths(testStoreDir, tt.args); err == nil {
				t.Errorf("parseStorePaths(%v) = nil, want error", tt.args)
			}
		})
	}
}

// Transfers must stop before they start when no daemon is reachable:
// the opener add and pull use may not hand back a read-only direct
// store in its place.
func TestOpenDaemonUnavailable(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)

	cfg := config.Default()
	cfg.Store.DaemonSocket = filepath.Join(t.TempDir(), "missing.sock")
	st, err := openDaemon(context.Background(), cfg, logger)
	if !errors.Is(err, localstore.ErrDaemonUnavailable) {
		t.Errorf("openDaemon(unreachable socket) error = %v, want ErrDaemonUnavailable", err)
	}
	if st != nil {
		t.Error("openDaemon(unreachable socket) returned a store")
	}

	cfg = config.Default()
	cfg.Store.UseLocalDaemon = false
	if _, err := openDaemon(context.Background(), cfg, logger); !errors.Is(err, localstore.ErrDaemonUnavailable) {
		t.Errorf("openDaemon(daemon disabled) error = %v, want ErrDaemonUnavailable", err)
	}
}

func TestRemoteCompression(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Remotes = []config.RemoteConfig{
		{URL: "file:///var/cache/nixcast", Compression: "xz"},
		{URL: "https://cache.example.org"},
	}

	if got := remoteCompression(cfg, "file:///var/cache/nixcast"); got != "xz" {
		t.Errorf("remoteCompression(configured) = %q, want %q", got, "xz")
	}
	if got := remoteCompression(cfg, "https://cache.example.org"); got != "" {
		t.Errorf("remoteCompression(no setting) = %q, want empty", got)
	}
	if got := remoteCompression(cfg, "file:///elsewhere"); got != "" {
		t.Errorf("remoteCompression(unconfigured) = %q, want empty", got)
	}
}

func TestWithOperationTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := withOperationTimeout(context.Background(), 0, 0)
	defer cancel()
	if _, ok := ctx.Deadline(); ok {
		t.Error("no timeout configured, but context has a deadline")
	}

	ctx, cancel = withOperationTimeout(context.Background(), 0, time.Hour)
	defer cancel()
	if _, ok := ctx.Deadline(); !ok {
		t.Error("config timeout set, but context has no deadline")
	}

	// The flag takes precedence over the config.
	ctx, cancel = withOperationTimeout(context.Background(), time.Minute, time.Hour)
	defer cancel()
	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("flag timeout set, but context has no deadline")
	}
	if remaining := time.Until(deadline); remaining > 2*time.Minute {
		t.Errorf("deadline %v away, want the one-minute flag value", remaining)
	}
}

func TestPrintReport(t *testing.T) {
	t.Parallel()

	digest := strings.Repeat("a", 32)
	paths, err := parseStorePaths(testStoreDir, []string{
		digest + "-hello-2.12.2",
		digest + "-glibc-2.39",
	})
	if err != nil {
		t.Fatalf("parseStorePaths() error: %v", err)
	}

	report := &transfer.Report{Outcomes: []transfer.Outcome{
		{Path: paths[0], Remote: "file:///cache", Status: transfer.StatusPushed},
		{Path: paths[1], Remote: "file:///cache", Status: transfer.StatusAlreadyPresent},
		{Path: paths[0], Remote: "ssh://builder", Status: transfer.StatusFailed, Err: errors.New("disk full")},
	}}

	var buffer bytes.Buffer
	printReport(&buffer, report)
	output := buffer.String()

	for _, want := range []string{
		"PATH", "REMOTE", "STATUS",
		digest + "-hello-2.12.2",
		"file:///cache",
		"pushed",
		"already-present",
		"failed",
		"disk full",
		"1 transferred, 1 already present, 1 failed",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("report output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestRootCommandTree(t *testing.T) {
	t.Parallel()

	root := Root()
	if root.Name != "nixcast" {
		t.Errorf("root.Name = %q, want %q", root.Name, "nixcast")
	}

	want := map[string]bool{
		"add": false, "pull": false, "serve": false, "info": false, "version": false,
	}
	for _, sub := range root.Subcommands {
		if _, ok := want[sub.Name]; ok {
			want[sub.Name] = true
		}
		if sub.Run == nil && len(sub.Subcommands) == 0 {
			t.Errorf("subcommand %q has no Run and no subcommands", sub.Name)
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command tree is missing %q", name)
		}
	}
}
