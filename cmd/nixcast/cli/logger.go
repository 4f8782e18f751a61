// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewLogger creates the root structured logger. When stderr is a
// terminal, uses slog.TextHandler for human-readable output. When
// stderr is piped or redirected (CI, scripts, systemd), uses
// slog.JSONHandler for machine-parseable output.
//
// Commands scope the logger with context via With():
//
//	logger := cli.NewLogger(level).With("command", "add")
func NewLogger(level slog.Level) *slog.Logger {
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
