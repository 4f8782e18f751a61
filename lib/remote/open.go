// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"log/slog"
)

// Options carries per-remote settings from configuration. Fields only
// apply to the backend families that use them.
type Options struct {
	// StoreDir is the local store directory; filesystem caches
	// record it and SSH remotes default to it.
	StoreDir string

	// Compression selects the archive codec for filesystem caches.
	Compression string

	// Priority is the substituter priority for filesystem caches.
	Priority int

	// KnownHostsFile and KeyFile configure SSH authentication.
	KnownHostsFile string
	KeyFile        string

	// MaxSessions bounds SSH protocol sessions; MaxConnsPerHost
	// bounds HTTP connections.
	MaxSessions     int
	MaxConnsPerHost int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Open parses a remote descriptor and connects the matching backend.
func Open(ctx context.Context, rawURL string, opts Options) (Backend, error) {
	desc, err := ParseDescriptor(rawURL)
	if err != nil {
		return nil, err
	}
	switch desc.Kind {
	case KindFilesystem:
		return NewFilesystem(FilesystemConfig{
			Root:        desc.Root,
			StoreDir:    opts.StoreDir,
			Compression: opts.Compression,
			Priority:    opts.Priority,
			Logger:      opts.Logger,
		})
	case KindSSH:
		return DialSSH(ctx, SSHConfig{
			Descriptor:     desc,
			StoreDir:       opts.StoreDir,
			KnownHostsFile: opts.KnownHostsFile,
			KeyFile:        opts.KeyFile,
			MaxSessions:    opts.MaxSessions,
			Logger:         opts.Logger,
		})
	case KindHTTP:
		return NewHTTP(HTTPConfig{
			Endpoint:        desc.Endpoint,
			MaxConnsPerHost: opts.MaxConnsPerHost,
			Logger:          opts.Logger,
		})
	default:
		return nil, fmt.Errorf("remote descriptor %q: unknown kind %q", rawURL, desc.Kind)
	}
}
