// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/nixcast/nixcast/lib/nar"
	"github.com/nixcast/nixcast/lib/sqlitepool"
	"github.com/nixcast/nixcast/lib/store"
)

// DirectConfig holds the parameters for opening a store without a
// daemon: the metadata database is read directly and archives are
// serialized from the filesystem.
type DirectConfig struct {
	// StoreDir is the store directory, normally "/nix/store".
	StoreDir string

	// DatabasePath is the store's SQLite database. Defaults to
	// <state>/nix/db/db.sqlite derived from the conventional layout,
	// i.e. "/nix/var/nix/db/db.sqlite".
	DatabasePath string

	// PoolSize bounds concurrent database readers. Zero means the
	// sqlitepool default.
	PoolSize int

	// Logger receives operational messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// DefaultDatabasePath is the store database location on a standard
// installation.
const DefaultDatabasePath = "/nix/var/nix/db/db.sqlite"

// DirectStore reads store metadata straight from the store database
// and serializes archives from the filesystem. It is strictly
// read-only: serving works without a daemon, importing does not.
//
// DirectStore is safe for concurrent use.
type DirectStore struct {
	storeDir string
	pool     *sqlitepool.Pool
	logger   *slog.Logger
}

var _ Store = (*DirectStore)(nil)

// OpenDirect opens the store database read-only.
func OpenDirect(cfg DirectConfig) (*DirectStore, error) {
	if cfg.StoreDir == "" {
		return nil, fmt.Errorf("localstore: StoreDir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	databasePath := cfg.DatabasePath
	if databasePath == "" {
		databasePath = DefaultDatabasePath
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     databasePath,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: opening store database: %w", err)
	}
	return &DirectStore{
		storeDir: cfg.StoreDir,
		pool:     pool,
		logger:   logger,
	}, nil
}

// StoreDir returns the store directory.
func (s *DirectStore) StoreDir() string { return s.storeDir }

// PathExists reports whether path has a ValidPaths row.
func (s *DirectStore) PathExists(ctx context.Context, path store.Path) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	exists := false
	err = sqlitex.Execute(conn, "SELECT 1 FROM ValidPaths WHERE path = ?", &sqlitex.ExecOptions{
		Args: []any{path.In(s.storeDir)},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("querying %s: %w", path, err)
	}
	return exists, nil
}

// QueryValidPaths returns the subset of paths with ValidPaths rows.
func (s *DirectStore) QueryValidPaths(ctx context.Context, paths []store.Path) ([]store.Path, error) {
	valid := make([]store.Path, 0, len(paths))
	for _, path := range paths {
		exists, err := s.PathExists(ctx, path)
		if err != nil {
			return nil, err
		}
		if exists {
			valid = append(valid, path)
		}
	}
	return valid, nil
}

// QueryPathInfo returns path's metadata record, or ErrNotInStore.
func (s *DirectStore) QueryPathInfo(ctx context.Context, path store.Path) (*store.PathInfo, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var (
		found   bool
		rowID   int64
		scanErr error
	)
	info := &store.PathInfo{Path: path}
	err = sqlitex.Execute(conn, `
		SELECT id, hash, registrationTime, deriver, narSize, ultimate, sigs, ca
		FROM ValidPaths WHERE path = ?`, &sqlitex.ExecOptions{
		Args: []any{path.In(s.storeDir)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			rowID = stmt.ColumnInt64(0)
			scanErr = s.scanPathInfo(stmt, info)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", path, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNotInStore, path)
	}
	if scanErr != nil {
		return nil, fmt.Errorf("store database row for %s: %w", path, scanErr)
	}

	err = sqlitex.Execute(conn, `
		SELECT target.path FROM Refs
		JOIN ValidPaths target ON target.id = Refs.reference
		WHERE Refs.referrer = ?
		ORDER BY target.path`, &sqlitex.ExecOptions{
		Args: []any{rowID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ref, err := store.ParsePath(s.storeDir, stmt.ColumnText(0))
			if err != nil {
				return err
			}
			info.References = append(info.References, ref)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying references of %s: %w", path, err)
	}
	return info, nil
}

// scanPathInfo decodes the non-reference columns of a ValidPaths row:
// id, hash, registrationTime, deriver, narSize, ultimate, sigs, ca.
func (s *DirectStore) scanPathInfo(stmt *sqlite.Stmt, info *store.PathInfo) error {
	hash, err := store.ParseHash(stmt.ColumnText(1))
	if err != nil {
		return fmt.Errorf("hash column: %w", err)
	}
	info.NarHash = hash
	if registration := stmt.ColumnInt64(2); registration != 0 {
		info.RegistrationTime = time.Unix(registration, 0).UTC()
	}
	if deriver := stmt.ColumnText(3); deriver != "" {
		info.Deriver, err = store.ParsePath(s.storeDir, deriver)
		if err != nil {
			return fmt.Errorf("deriver column: %w", err)
		}
	}
	info.NarSize = stmt.ColumnInt64(4)
	info.Ultimate = stmt.ColumnInt64(5) == 1
	if sigs := stmt.ColumnText(6); sigs != "" {
		for _, line := range strings.Fields(sigs) {
			sig, err := store.ParseSignature(line)
			if err != nil {
				return fmt.Errorf("sigs column: %w", err)
			}
			info.Signatures = append(info.Signatures, sig)
		}
	}
	info.CA = stmt.ColumnText(7)
	return nil
}

// PathFromDigest resolves a bare digest to the full store path, or
// ErrNotInStore. Digests are base32 and never contain LIKE wildcards,
// so a prefix pattern is safe.
func (s *DirectStore) PathFromDigest(ctx context.Context, digest string) (store.Path, error) {
	if !store.ValidDigest(digest) {
		return store.Path{}, fmt.Errorf("%w: invalid digest %q", ErrNotInStore, digest)
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return store.Path{}, err
	}
	defer s.pool.Put(conn)

	var found store.Path
	err = sqlitex.Execute(conn, "SELECT path FROM ValidPaths WHERE path LIKE ? LIMIT 1", &sqlitex.ExecOptions{
		Args: []any{s.storeDir + "/" + digest + "-%"},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			path, err := store.ParsePath(s.storeDir, stmt.ColumnText(0))
			if err != nil {
				return err
			}
			found = path
			return nil
		},
	})
	if err != nil {
		return store.Path{}, fmt.Errorf("querying digest %s: %w", digest, err)
	}
	if found.IsZero() {
		return store.Path{}, fmt.Errorf("%w: %s", ErrNotInStore, digest)
	}
	return found, nil
}

// QueryReferrers returns the paths whose Refs rows point at path.
func (s *DirectStore) QueryReferrers(ctx context.Context, path store.Path) ([]store.Path, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var referrers []store.Path
	err = sqlitex.Execute(conn, `
		SELECT source.path FROM Refs
		JOIN ValidPaths source ON source.id = Refs.referrer
		JOIN ValidPaths target ON target.id = Refs.reference
		WHERE target.path = ?
		ORDER BY source.path`, &sqlitex.ExecOptions{
		Args: []any{path.In(s.storeDir)},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			referrer, err := store.ParsePath(s.storeDir, stmt.ColumnText(0))
			if err != nil {
				return err
			}
			referrers = append(referrers, referrer)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("querying referrers of %s: %w", path, err)
	}
	return referrers, nil
}

// OpenNAR serializes path from the filesystem, verifying the stream
// against the database's recorded hash and size as it is read.
func (s *DirectStore) OpenNAR(ctx context.Context, path store.Path) (io.ReadCloser, int64, error) {
	info, err := s.QueryPathInfo(ctx, path)
	if err != nil {
		return nil, 0, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(nar.Encode(pw, path.In(s.storeDir)))
	}()

	verified := store.NewVerifiedReader(pr, path.String(), info.NarHash, info.NarSize)
	return &pipeStream{verified: verified, pipe: pr}, info.NarSize, nil
}

// pipeStream couples the verified reader with pipe shutdown so an
// abandoned stream stops the encoder goroutine.
type pipeStream struct {
	verified io.Reader
	pipe     *io.PipeReader
}

func (r *pipeStream) Read(p []byte) (int, error) { return r.verified.Read(p) }

func (r *pipeStream) Close() error { return r.pipe.Close() }

// Close closes the database pool.
func (s *DirectStore) Close() error { return s.pool.Close() }
