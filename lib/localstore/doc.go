// Copyright 2026 The Nixcast Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides access to the machine's local store in
// two modes behind one interface.
//
// [DaemonStore] talks to the store daemon over its unix socket using
// the worker protocol (lib/daemon). It is the full-capability mode:
// reads plus imports, with the daemon enforcing store consistency.
// Push and pull require it.
//
// [DirectStore] reads the store's SQLite database and serializes
// archives from the filesystem without any daemon. It is read-only and
// exists so serving keeps working on hosts where the daemon is down or
// absent. Opening it never touches the database write path
// (lib/sqlitepool is read-only by construction).
//
// Callers that only read take a [Store]; callers that import take an
// [Importer]. Lookup misses are [ErrNotInStore]; a missing daemon is
// [ErrDaemonUnavailable].
package localstore
