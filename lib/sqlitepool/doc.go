// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides a read-only SQLite connection pool for
// the store database.
//
// Direct-mode serving reads path metadata straight from the store's
// db.sqlite (tables ValidPaths and Refs) when no daemon is reachable.
// That database belongs to the store daemon; this pool opens it with
// SQLITE_OPEN_READONLY and query_only=ON so nixcast can never mutate
// it, and with a busy timeout so reads coexist with the daemon's WAL
// checkpoints.
//
// The pool is built on zombiezen's sqlitex.Pool, which manages a
// fixed-size set of connections. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back. Connections are NOT safe for
// concurrent use — each goroutine must hold its own connection for
// the duration of its work.
//
// This package is intentionally thin: it applies the read-only
// pragmas and exposes the underlying zombiezen types directly.
// Callers write SQL and use sqlitex.Execute for cached statements.
package sqlitepool
