// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nixcast/nixcast/lib/store"
)

// Kind names a backend family.
type Kind string

const (
	KindFilesystem Kind = "file"
	KindSSH        Kind = "ssh"
	KindHTTP       Kind = "http"
)

// ErrNotFound is returned by fetches for paths the remote does not
// have. Expected during dedup probing, never retried.
var ErrNotFound = errors.New("not found on remote")

// ErrUnsupportedOperation is returned for capability mismatches, such
// as writing to a read-only HTTP cache. Never retried.
var ErrUnsupportedOperation = errors.New("operation not supported by this remote")

// ErrAuthorizationFailure is returned when the remote rejects the
// client's credentials. Never retried: repeating the request cannot
// change the answer.
var ErrAuthorizationFailure = errors.New("remote rejected authorization")

// TransportError wraps a transient failure: network trouble, a 5xx
// response, a dropped SSH channel. The transfer engine retries these
// with backoff.
type TransportError struct {
	// Op is the operation that failed, e.g. "fetch metadata".
	Op string

	// Remote names the backend.
	Remote string

	// Err is the underlying failure.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Remote, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary marks the error as retryable.
func (e *TransportError) Temporary() bool { return true }

// Placement describes where and in which form an archive landed on a
// remote, the inputs for the metadata record that follows it.
type Placement struct {
	// URL locates the stored archive relative to the cache root.
	URL string

	// Compression is the codec the archive was stored with.
	Compression string

	// FileHash and FileSize describe the stored (possibly compressed)
	// file.
	FileHash store.Hash
	FileSize int64
}

// Backend is the capability surface of one remote cache. All three
// variants (filesystem, SSH store, HTTP substituter) implement it;
// read-only variants return ErrUnsupportedOperation from the Put
// operations.
//
// Backends are safe for concurrent use; the transfer engine calls them
// from many workers at once.
type Backend interface {
	// Name returns a human-readable identifier for logs and outcome
	// tables, normally the configured URL.
	Name() string

	// Kind returns the backend family.
	Kind() Kind

	// Exists reports whether the remote has metadata for path.
	Exists(ctx context.Context, path store.Path) (bool, error)

	// ExistsBatch probes many paths at once, returning presence per
	// path. Backends with a batched protocol answer in one round
	// trip; the rest loop over Exists.
	ExistsBatch(ctx context.Context, paths []store.Path) (map[store.Path]bool, error)

	// PutArchive stores the archive for info. Idempotent: writing
	// content the remote already has is a cheap no-op. The returned
	// Placement feeds PutMetadata.
	PutArchive(ctx context.Context, info *store.PathInfo, nar io.Reader) (*Placement, error)

	// PutMetadata publishes the metadata record. The archive it
	// points at must already be present; the engine never reverses
	// the order.
	PutMetadata(ctx context.Context, info *store.NarInfo) error

	// FetchMetadata returns the remote's metadata record for path, or
	// ErrNotFound.
	FetchMetadata(ctx context.Context, path store.Path) (*store.NarInfo, error)

	// FetchArchive streams the archive described by info,
	// decompressed and verified against info.NarHash and NarSize.
	// Divergence surfaces as a store.IntegrityError before EOF.
	FetchArchive(ctx context.Context, info *store.NarInfo) (io.ReadCloser, error)

	// Close releases the backend's connections.
	Close() error
}

// existsSequential implements ExistsBatch by looping Exists, for
// backends without a batched probe.
func existsSequential(ctx context.Context, b Backend, paths []store.Path) (map[store.Path]bool, error) {
	present := make(map[store.Path]bool, len(paths))
	for _, path := range paths {
		ok, err := b.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		present[path] = ok
	}
	return present, nil
}
