// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/nixcast/nixcast/lib/daemon"
	"github.com/nixcast/nixcast/lib/store"
)

// DefaultSocketPath is where the store daemon listens on a standard
// installation.
const DefaultSocketPath = "/nix/var/nix/daemon-socket/socket"

// DaemonConfig holds the parameters for connecting to the store daemon.
type DaemonConfig struct {
	// StoreDir is the store directory, normally "/nix/store".
	StoreDir string

	// SocketPath is the daemon's unix socket. Defaults to
	// DefaultSocketPath.
	SocketPath string

	// MaxConnections bounds the number of concurrent daemon
	// connections. The worker protocol has no multiplexing, so this
	// is also the query concurrency ceiling. Defaults to 4.
	MaxConnections int

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger

	// dial overrides the connection factory, for tests.
	dial func(ctx context.Context) (*daemon.Client, error)
}

// DaemonStore talks to the store daemon over its unix socket. It keeps
// a small pool of protocol connections because each connection can
// only run one operation at a time.
//
// DaemonStore is safe for concurrent use.
type DaemonStore struct {
	storeDir string
	dial     func(ctx context.Context) (*daemon.Client, error)
	logger   *slog.Logger

	sem chan struct{}

	mu     sync.Mutex
	idle   []*daemon.Client
	closed bool
}

var _ Importer = (*DaemonStore)(nil)

// DialDaemon connects to the store daemon and verifies it is
// responsive by performing the protocol handshake on one connection.
// An unreachable daemon yields ErrDaemonUnavailable.
func DialDaemon(ctx context.Context, cfg DaemonConfig) (*DaemonStore, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("localstore: StoreDir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 4
	}
	dial := cfg.dial
	if dial == nil {
		socketPath := cfg.SocketPath
		if socketPath == "" {
			socketPath = DefaultSocketPath
		}
		dial = func(ctx context.Context) (*daemon.Client, error) {
			return daemon.Dial(ctx, socketPath, logger)
		}
	}

	s := &DaemonStore{
		storeDir: cfg.StoreDir,
		dial:     dial,
		logger:   logger,
		sem:      make(chan struct{}, maxConns),
	}

	// Probe eagerly so callers learn about a missing daemon before
	// starting work, not in the middle of a transfer.
	client, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	s.mu.Lock()
	s.idle = append(s.idle, client)
	s.mu.Unlock()
	return s, nil
}

// StoreDir returns the store directory.
func (s *DaemonStore) StoreDir() string { return s.storeDir }

// acquire borrows a daemon connection, dialing a new one when the idle
// list is empty and the connection budget allows.
func (s *DaemonStore) acquire(ctx context.Context) (*daemon.Client, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.sem
		return nil, fmt.Errorf("localstore: store is closed")
	}
	if n := len(s.idle); n > 0 {
		client := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		return client, nil
	}
	s.mu.Unlock()

	client, err := s.dial(ctx)
	if err != nil {
		<-s.sem
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	return client, nil
}

// release returns a connection to the pool, or closes it when broken
// reports the connection can no longer be trusted to be in a clean
// protocol state.
func (s *DaemonStore) release(client *daemon.Client, broken bool) {
	s.mu.Lock()
	if broken || s.closed {
		s.mu.Unlock()
		client.Close()
		<-s.sem
		return
	}
	s.idle = append(s.idle, client)
	s.mu.Unlock()
	<-s.sem
}

// brokenErr reports whether err leaves the connection desynchronized.
// Structured daemon errors arrive through the stderr stream with the
// protocol intact; anything else (I/O failure, decode failure) does
// not.
func brokenErr(err error) bool {
	if err == nil {
		return false
	}
	var daemonErr *daemon.Error
	if errors.As(err, &daemonErr) {
		return false
	}
	return !errors.Is(err, daemon.ErrPathInfoNotFound)
}

// PathExists reports whether path is valid in the store.
func (s *DaemonStore) PathExists(ctx context.Context, path store.Path) (bool, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return false, err
	}
	valid, err := client.IsValidPath(ctx, s.storeDir, path)
	s.release(client, brokenErr(err))
	return valid, err
}

// QueryValidPaths returns the subset of paths valid in the store.
func (s *DaemonStore) QueryValidPaths(ctx context.Context, paths []store.Path) ([]store.Path, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	valid, err := client.QueryValidPaths(ctx, s.storeDir, paths)
	s.release(client, brokenErr(err))
	return valid, err
}

// QueryPathInfo returns path's metadata record, or ErrNotInStore.
func (s *DaemonStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.PathInfo, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	info, err := client.QueryPathInfo(ctx, s.storeDir, path)
	s.release(client, brokenErr(err))
	if errors.Is(err, daemon.ErrPathInfoNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotInStore, path)
	}
	return info, err
}

// PathFromDigest resolves a bare digest to the full store path, or
// ErrNotInStore.
func (s *DaemonStore) PathFromDigest(ctx context.Context, digest string) (store.Path, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return store.Path{}, err
	}
	path, err := client.QueryPathFromHashPart(ctx, s.storeDir, digest)
	s.release(client, brokenErr(err))
	if errors.Is(err, daemon.ErrPathInfoNotFound) {
		return store.Path{}, fmt.Errorf("%w: %s", ErrNotInStore, digest)
	}
	return path, err
}

// QueryReferrers returns the paths whose contents reference path.
func (s *DaemonStore) QueryReferrers(ctx context.Context, path store.Path) ([]store.Path, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	referrers, err := client.QueryReferrers(ctx, s.storeDir, path)
	s.release(client, brokenErr(err))
	return referrers, err
}

// OpenNAR streams path's NAR from the daemon. The connection stays
// checked out until the returned reader is closed; a reader closed
// before EOF abandons the connection rather than returning a
// desynchronized one to the pool.
func (s *DaemonStore) OpenNAR(ctx context.Context, path store.Path) (io.ReadCloser, int64, error) {
	client, err := s.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	info, err := client.QueryPathInfo(ctx, s.storeDir, path)
	if err != nil {
		s.release(client, brokenErr(err))
		if errors.Is(err, daemon.ErrPathInfoNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotInStore, path)
		}
		return nil, 0, err
	}
	raw, err := client.NarFromPath(ctx, s.storeDir, path, info.NarSize)
	if err != nil {
		s.release(client, true)
		return nil, 0, err
	}
	verified := store.NewVerifiedReader(raw, path.String(), info.NarHash, info.NarSize)
	return &narStream{
		store:    s,
		client:   client,
		verified: verified,
	}, info.NarSize, nil
}

// narStream holds a daemon connection open for the duration of a NAR
// read.
type narStream struct {
	store    *DaemonStore
	client   *daemon.Client
	verified io.Reader

	sawEOF bool
	closed bool
}

func (r *narStream) Read(p []byte) (int, error) {
	if r.closed {
		return 0, fmt.Errorf("read from closed archive stream")
	}
	n, err := r.verified.Read(p)
	if err == io.EOF {
		r.sawEOF = true
	}
	return n, err
}

func (r *narStream) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	// A fully drained stream leaves the connection at a protocol
	// boundary; anything else makes it unusable.
	r.store.release(r.client, !r.sawEOF)
	return nil
}

// ImportNAR registers a path in the store through the daemon's framed
// import. Signature checking is left to the daemon's own policy only
// when the caller has not already verified; nixcast verifies during
// pull, so this always disables the daemon-side check.
func (s *DaemonStore) ImportNAR(ctx context.Context, info *store.PathInfo, nar io.Reader) error {
	client, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	err = client.AddToStoreNar(ctx, s.storeDir, info, nar, false)
	s.release(client, brokenErr(err))
	if err != nil {
		return fmt.Errorf("importing %s: %w", info.Path, err)
	}
	return nil
}

// Close closes all pooled connections. In-flight operations keep their
// connections until they complete; those connections are closed on
// release.
func (s *DaemonStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()

	var errs []error
	for _, client := range idle {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
