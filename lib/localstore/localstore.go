// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"io"

	"github.com/nixcast/nixcast/lib/store"
)

// ErrNotInStore is returned by metadata lookups for paths the store
// does not have. It is an expected outcome, not an operational error:
// the server maps it to 404 and never logs it as a failure.
var ErrNotInStore = errors.New("path is not in the store")

// ErrDaemonUnavailable is returned when an operation needs the store
// daemon and no daemon is reachable. Fatal for push and pull, which
// must not start; tolerated for serving, which can fall back to
// direct mode.
var ErrDaemonUnavailable = errors.New("store daemon is unavailable")

// Store is the read capability surface over the local store. Both
// implementations — daemon IPC and direct filesystem/SQLite — satisfy
// it; the closure resolver and the server depend only on this
// interface.
type Store interface {
	// StoreDir returns the store directory absolute paths live
	// under, normally "/nix/store".
	StoreDir() string

	// PathExists reports whether path is valid in the store.
	PathExists(ctx context.Context, path store.Path) (bool, error)

	// QueryValidPaths returns the subset of paths valid in the
	// store. Pull uses it to batch-skip already-present paths.
	QueryValidPaths(ctx context.Context, paths []store.Path) ([]store.Path, error)

	// QueryPathInfo returns path's metadata record, or ErrNotInStore.
	QueryPathInfo(ctx context.Context, path store.Path) (*store.PathInfo, error)

	// PathFromDigest resolves a bare store path digest to the full
	// path, or ErrNotInStore. Binary-cache requests name paths by
	// digest alone.
	PathFromDigest(ctx context.Context, digest string) (store.Path, error)

	// QueryReferrers returns the paths whose contents reference
	// path — the reverse edges of the reference graph.
	QueryReferrers(ctx context.Context, path store.Path) ([]store.Path, error)

	// OpenNAR streams path's canonical uncompressed NAR along with
	// its exact byte size. The stream verifies content against the
	// recorded NAR hash and fails with a store.IntegrityError before
	// EOF on divergence.
	OpenNAR(ctx context.Context, path store.Path) (io.ReadCloser, int64, error)

	// Close releases the store's connections.
	Close() error
}

// Importer extends Store with write access via the daemon. Only the
// daemon-mode implementation provides it; push and pull require an
// Importer and fail with ErrDaemonUnavailable otherwise.
type Importer interface {
	Store

	// ImportNAR registers a path in the store from its metadata
	// record and NAR stream. The daemon verifies the NAR hash.
	ImportNAR(ctx context.Context, info *store.PathInfo, nar io.Reader) error
}
